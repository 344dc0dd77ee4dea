package stub

import "context"

// WHOIS looks up registration attributes for a domain or IP, used by
// policy.Block for WHOIS-derived membership (spec.md section 4, Policy list
// membership). WHOIS lookup itself is an external collaborator (spec.md
// section 1, Non-goals/surrounding-collaborators); the spfbld main package
// passes no client, so WHOISIgnore is used there as well as under test.
type WHOIS interface {
	Lookup(ctx context.Context, key string) (attrs map[string]string, err error)
}

// WHOISIgnore is a WHOIS that never finds anything.
type WHOISIgnore struct{}

func (WHOISIgnore) Lookup(ctx context.Context, key string) (map[string]string, error) {
	return nil, nil
}
