// Package dnslist implements the UDP DNS-list frontend of spec.md component
// C11: a set of reversed-IP/hostname zones (DNSBL, DNSWL, URIBL, SCORE,
// DNSAL, spec.md section 4.6) answered directly from the local policy lists
// (C5) and reputation store (C6), without consulting the network. It plays
// the server role of the RFC 5782 convention that package dnsbl already
// implements as a client.
package dnslist

import (
	"context"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/metrics"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
)

var xlog = mlog.New("dnslist", nil)

var (
	metricQuery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfbl_dnslist_query_total",
			Help: "DNS-list queries answered, by zone kind and response code.",
		},
		[]string{"kind", "rcode"},
	)
	metricAbuse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfbl_dnslist_abuse_total",
			Help: "DNS-list queries that counted as an abuse event (REFUSED/FORMERR/NOTAUTH), by reason.",
		},
		[]string{"reason"},
	)
	metricBan = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfbl_dnslist_ban_total",
			Help: "Source subnets banned by the abuse throttle.",
		},
		[]string{},
	)
)

// ZoneKind identifies which of the five list semantics of spec.md section
// 4.6 a zone answers with.
type ZoneKind string

const (
	KindDNSBL ZoneKind = "dnsbl"
	KindDNSWL ZoneKind = "dnswl"
	KindURIBL ZoneKind = "uribl"
	KindSCORE ZoneKind = "score"
	KindDNSAL ZoneKind = "dnsal"
)

// Zone configures one DNS suffix this server answers authoritatively,
// mapped to the list semantics it should expose.
type Zone struct {
	Suffix dns.Domain
	Kind   ZoneKind
}

// Server is the UDP DNS-list frontend. It holds no goroutine state of its
// own until ListenAndServe is called; construction is cheap and safe to do
// once at startup alongside the decision pipeline's Engine, since both read
// the same Policy/Reputation values.
type Server struct {
	log      mlog.Log
	zones    []Zone
	policy   *policy.Engine
	rep      *reputation.Store
	throttle *AbuseThrottle

	// workers bounds the number of packets handled concurrently, mirroring
	// the teacher's accept-loop pattern (one goroutine per unit of work) but
	// capped, since a UDP socket has no backpressure of its own.
	workers chan struct{}
}

// NewServer constructs a Server. throttle may be nil to disable the abuse
// ban (used in tests).
func NewServer(log mlog.Log, zones []Zone, pol *policy.Engine, rep *reputation.Store, throttle *AbuseThrottle) *Server {
	if log.Logger == nil {
		log = xlog
	}
	return &Server{
		log:      log,
		zones:    zones,
		policy:   pol,
		rep:      rep,
		throttle: throttle,
		workers:  make(chan struct{}, 64),
	}
}

// ListenAndServe opens a UDP socket on address and answers queries until ctx
// is canceled, following the teacher's accept-loop-then-dispatch idiom
// (serve_unix.go's `ctl.Accept` loop) adapted to a connectionless protocol:
// a single goroutine reads packets and hands each to a bounded worker.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return err
	}
	s.log.Info("dnslist listening", slog.String("address", address))

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Errorx("dnslist read", err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		s.workers <- struct{}{}
		go func() {
			defer func() { <-s.workers }()
			defer func() {
				if x := recover(); x != nil {
					s.log.Error("dnslist handler panic", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc("dnslist")
				}
			}()
			s.handlePacket(ctx, pc, addr, packet)
		}()
	}
}

func (s *Server) handlePacket(ctx context.Context, pc net.PacketConn, addr net.Addr, packet []byte) {
	start := time.Now()
	srcIP := addrIP(addr)

	if s.throttle != nil && srcIP != nil && s.throttle.Banned(srcIP) {
		s.log.Debug("dnslist query from banned source dropped", slog.Any("src", srcIP))
		return
	}

	resp, kind, rc := s.answerPacket(ctx, packet)

	if rc == rcodeFormatError || rc == rcodeNotAuth || rc == rcodeRefused {
		s.recordAbuse(srcIP, rc)
	}
	metricQuery.WithLabelValues(string(kind), rcodeName(rc)).Inc()

	if resp == nil {
		return
	}
	if _, err := pc.WriteTo(resp, addr); err != nil {
		s.log.Debugx("dnslist write response", err, slog.Any("dst", addr))
	}
	s.log.Debug("dnslist query answered",
		slog.Any("src", addr),
		slog.String("kind", string(kind)),
		slog.String("rcode", rcodeName(rc)),
		slog.Duration("duration", time.Since(start)))
}

func (s *Server) recordAbuse(srcIP net.IP, rc rcode) {
	metricAbuse.WithLabelValues(rcodeName(rc)).Inc()
	if s.throttle == nil || srcIP == nil {
		return
	}
	if banned := s.throttle.RecordAbuse(srcIP); banned {
		metricBan.WithLabelValues().Inc()
		s.log.Info("dnslist banned abusive source subnet", slog.Any("src", srcIP))
	}
}

func addrIP(addr net.Addr) net.IP {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil
	}
	return udp.IP
}
