package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"

	"github.com/spfbl-go/spfbl/metrics"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/moxio"
	"github.com/spfbl-go/spfbl/pipeline"
	"github.com/spfbl-go/spfbl/smtp"
	"github.com/spfbl-go/spfbl/spfbld-"
)

// servePolicy accepts connections implementing the Postfix policy
// delegation protocol (spec.md section 6): a block of "key=value" lines per
// request, terminated by a blank line, answered with a single
// "action=...\n\n" reply. There is no equivalent listener in the teacher
// (an SMTP server, not a Postfix policy delegate, never needs to speak this
// protocol itself); this handler follows the accept-loop/per-connection
// goroutine idiom of serveControl instead.
func servePolicy(ctx context.Context, log mlog.Log, eng *pipeline.Engine, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	log.Info("policy server listening", slog.String("address", address))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorx("policy accept", err)
			continue
		}
		spfbld.Connections.Register(conn, "policy", address)
		go handlePolicy(ctx, log, eng, conn)
	}
}

func handlePolicy(ctx context.Context, log mlog.Log, eng *pipeline.Engine, conn net.Conn) {
	defer func() {
		if x := recover(); x != nil {
			log.Error("policy connection panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("policy")
		}
		spfbld.Connections.Unregister(conn)
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		attrs, err := readPolicyRequest(r)
		if attrs != nil {
			reply := "action=" + decidePolicyAction(ctx, eng, attrs) + "\n\n"
			if _, werr := conn.Write([]byte(reply)); werr != nil {
				if !moxio.IsClosed(werr) {
					log.Errorx("writing policy reply", werr)
				}
				return
			}
		}
		if err != nil {
			if !moxio.IsClosed(err) && err != io.EOF {
				log.Errorx("reading policy connection", err)
			}
			return
		}
	}
}

// readPolicyRequest reads one attribute block up to and including its
// terminating blank line.
func readPolicyRequest(r *bufio.Reader) (map[string]string, error) {
	attrs := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(attrs) == 0 && err != nil {
				return nil, err
			}
			return attrs, err
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			attrs[k] = v
		}
		if err != nil {
			return attrs, err
		}
	}
}

// decidePolicyAction maps a Postfix policy request to one of its documented
// action replies (spec.md section 6). A request from a non-public IP, or
// one the engine classifies ActionLan, is waved through with DUNNO; FAIL,
// BLOCKED, LISTED and INVALID are hard-rejected; SPAMTRAP mail is silently
// discarded rather than bounced, since acknowledging a spamtrap hit to its
// sender defeats the trap; GREYLIST and SOFTFAIL ask Postfix to retry
// later; everything else defers to Postfix's own policy (DUNNO).
func decidePolicyAction(ctx context.Context, eng *pipeline.Engine, attrs map[string]string) string {
	ip := net.ParseIP(attrs["client_address"])
	if ip == nil {
		return "DUNNO"
	}

	req := pipeline.Request{
		IP:        ip,
		Helo:      parseIPDomain(attrs["helo_name"]),
		Recipient: attrs["recipient"],
	}
	if sender := attrs["sender"]; sender != "" {
		if addr, err := smtp.ParseAddress(sender); err == nil {
			req.HasMailFrom = true
			req.MailFrom = addr
		}
	}

	dec, err := eng.Decide(ctx, req)
	if err != nil {
		return "DUNNO"
	}

	switch dec.Action {
	case pipeline.ActionFail, pipeline.ActionBlocked, pipeline.ActionListed, pipeline.ActionInvalid, pipeline.ActionNxdomain:
		return "554 5.7.1 Service unavailable; " + reasonFor(dec)
	case pipeline.ActionSpamtrap:
		return "DISCARD SPFBL spamtrap hit"
	case pipeline.ActionGreylist:
		return "451 4.7.1 Service unavailable, greylisted, try again later"
	case pipeline.ActionSoftfail:
		return "451 4.7.2 Service unavailable, SPF softfail, try again later"
	default:
		return "DUNNO"
	}
}

func reasonFor(dec pipeline.Decision) string {
	if dec.UnblockURL != "" {
		return "blocked by SPFBL, see " + dec.UnblockURL
	}
	return "rejected by SPFBL, ticket " + dec.Ticket
}
