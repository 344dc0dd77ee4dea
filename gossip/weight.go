package gossip

import "sync"

// defaultWeight is the starting weight for a peer with no observed history
// yet (spec.md section 4.7 names "per-peer weighting derived from observed
// agreement rate" without specifying a prior; an unproven peer's deltas
// count at half strength until it earns more).
const defaultWeight = 0.5

// agreementEMA is the smoothing factor of the exponential moving average
// agreementTracker keeps: higher reacts faster to a peer going stale or
// hostile, lower resists noise from a single disagreeing delta.
const agreementEMA = 0.1

// agreementTracker keeps a per-peer running estimate of how often that
// peer's claimed status for a token matches the locally held status at the
// moment the delta arrives, and derives a [0,1] weight from it for
// Store.ApplyDelta.
type agreementTracker struct {
	mu          sync.Mutex
	weightValue float64
	seen        bool
}

func newAgreementTracker() *agreementTracker {
	return &agreementTracker{weightValue: defaultWeight}
}

// weight returns the tracker's current weight for a delta about to be
// applied.
func (a *agreementTracker) weight() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.weightValue
}

// observe records whether the peer's implied status for a token agreed
// with the local status just before the delta was merged, updating the
// running weight estimate.
func (a *agreementTracker) observe(agreed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sample float64
	if agreed {
		sample = 1
	}
	if !a.seen {
		a.weightValue = sample
		a.seen = true
		return
	}
	a.weightValue += agreementEMA * (sample - a.weightValue)
}
