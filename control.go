package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/metrics"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/moxio"
	"github.com/spfbl-go/spfbl/pipeline"
	"github.com/spfbl-go/spfbl/smtp"
	"github.com/spfbl-go/spfbl/spfbld-"
	"github.com/spfbl-go/spfbl/ticket"
	"github.com/spfbl-go/spfbl/token"
)

// serveControl accepts connections on the line-based control protocol
// (spec.md section 6: SPF, CHECK, HAM, SPAM, REFRESH) until ctx is
// canceled, following the teacher's serve_unix.go accept-loop idiom.
func serveControl(ctx context.Context, log mlog.Log, eng *pipeline.Engine, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	log.Info("control protocol listening", slog.String("address", address))

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
			log.Errorx("control accept", err)
			continue
		}
		spfbld.Connections.Register(conn, "control", address)
		go handleControl(ctx, log, eng, conn, address)
	}
}

func handleControl(ctx context.Context, log mlog.Log, eng *pipeline.Engine, conn net.Conn, listener string) {
	defer func() {
		if x := recover(); x != nil {
			log.Error("control connection panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc("control")
		}
		spfbld.Connections.Unregister(conn)
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			reply := dispatchControl(ctx, log, eng, line)
			if _, werr := fmt.Fprint(conn, reply); werr != nil {
				if !moxio.IsClosed(werr) {
					log.Errorx("writing control reply", werr)
				}
				return
			}
		}
		if err != nil {
			if !moxio.IsClosed(err) && err != io.EOF {
				log.Errorx("reading control connection", err)
			}
			return
		}
	}
}

// dispatchControl parses and executes one control-protocol line, returning
// its reply including a trailing newline (CHECK's reply may hold several).
func dispatchControl(ctx context.Context, log mlog.Log, eng *pipeline.Engine, line string) string {
	fields := splitControlFields(line)
	if len(fields) == 0 {
		return "ERROR empty command\n"
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "SPF":
		return dispatchSPF(ctx, eng, args)
	case "CHECK":
		return dispatchCheck(ctx, eng, args)
	case "HAM":
		return dispatchHam(eng, args)
	case "SPAM":
		return dispatchSpam(eng, args)
	case "REFRESH":
		return dispatchRefresh(ctx, eng, args)
	default:
		return fmt.Sprintf("ERROR unknown command %q\n", verb)
	}
}

// splitControlFields splits a command line on whitespace, stripping a
// matching pair of single quotes from a field when present (spec.md
// section 6 quotes the SPF verb's arguments; CHECK's are unquoted).
func splitControlFields(line string) []string {
	raw := strings.Fields(line)
	out := make([]string, len(raw))
	for i, f := range raw {
		if len(f) >= 2 && f[0] == '\'' && f[len(f)-1] == '\'' {
			f = f[1 : len(f)-1]
		}
		out[i] = f
	}
	return out
}

func parseRequest(ipS, senderS, heloS, recipient string) (pipeline.Request, error) {
	var req pipeline.Request
	req.IP = net.ParseIP(ipS)
	if req.IP == nil {
		return req, fmt.Errorf("invalid ip %q", ipS)
	}
	if senderS != "" {
		addr, err := smtp.ParseAddress(senderS)
		if err != nil {
			return req, fmt.Errorf("invalid sender %q: %w", senderS, err)
		}
		req.HasMailFrom = true
		req.MailFrom = addr
	}
	req.Helo = parseIPDomain(heloS)
	req.Recipient = recipient
	return req, nil
}

// parseIPDomain parses s as a HELO/EHLO argument: an address literal or a
// domain name. There is no existing constructor for this on dns.IPDomain,
// since package dns only ever receives one already split by an SMTP
// parser; here the control protocol hands us the combined string.
func parseIPDomain(s string) dns.IPDomain {
	if s == "" {
		return dns.IPDomain{}
	}
	if ip := net.ParseIP(s); ip != nil {
		return dns.IPDomain{IP: ip}
	}
	if d, err := dns.ParseDomain(s); err == nil {
		return dns.IPDomain{Domain: d}
	}
	return dns.IPDomain{}
}

func dispatchSPF(ctx context.Context, eng *pipeline.Engine, args []string) string {
	if len(args) < 3 {
		return "ERROR SPF requires ip, sender, helo and optional recipient\n"
	}
	recipient := ""
	if len(args) > 3 {
		recipient = args[3]
	}
	req, err := parseRequest(args[0], args[1], args[2], recipient)
	if err != nil {
		return fmt.Sprintf("ERROR %s\n", err)
	}
	dec, err := eng.Decide(ctx, req)
	if err != nil {
		return fmt.Sprintf("ERROR %s\n", err)
	}
	extra := dec.Ticket
	if dec.UnblockURL != "" {
		extra = dec.UnblockURL
	}
	if extra == "" {
		return string(dec.Action) + "\n"
	}
	return fmt.Sprintf("%s %s\n", dec.Action, extra)
}

func dispatchCheck(ctx context.Context, eng *pipeline.Engine, args []string) string {
	if len(args) < 3 {
		return "ERROR CHECK requires ip, sender, helo and optional recipient\n"
	}
	recipient := ""
	if len(args) > 3 {
		recipient = args[3]
	}
	req, err := parseRequest(args[0], args[1], args[2], recipient)
	if err != nil {
		return fmt.Sprintf("ERROR %s\n", err)
	}
	report, err := eng.Check(ctx, req)
	if err != nil {
		return fmt.Sprintf("ERROR %s\n", err)
	}
	if !strings.HasSuffix(report, "\n") {
		report += "\n"
	}
	return report
}

func dispatchHam(eng *pipeline.Engine, args []string) string {
	if len(args) != 1 {
		return "ERROR HAM requires a ticket\n"
	}
	return formatLedgerResult(eng.Ham(args[0], time.Now()))
}

func dispatchSpam(eng *pipeline.Engine, args []string) string {
	if len(args) != 1 {
		return "ERROR SPAM requires a ticket\n"
	}
	return formatLedgerResult(eng.Spam(args[0], time.Now()))
}

func formatLedgerResult(res ledger.Result, tokens []token.Token, recipient string, err error) string {
	if err != nil {
		if errors.Is(err, ticket.ErrExpired) {
			return "TICKET EXPIRED\n"
		}
		return fmt.Sprintf("ERROR %s\n", err)
	}
	if res != ledger.ResultOK {
		return string(res) + "\n"
	}
	strs := make([]string, len(tokens))
	for i, t := range tokens {
		strs[i] = string(t)
	}
	out := "OK " + strings.Join(strs, " ")
	if recipient != "" {
		out += " >" + recipient
	}
	return out + "\n"
}

func dispatchRefresh(ctx context.Context, eng *pipeline.Engine, args []string) string {
	if len(args) != 1 {
		return "ERROR REFRESH requires a domain\n"
	}
	updated, err := eng.Refresh(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("ERROR %s\n", err)
	}
	if updated {
		return "UPDATED\n"
	}
	return "NOT LOADED\n"
}
