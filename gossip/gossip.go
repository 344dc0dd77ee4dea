// Package gossip implements component C12: pushing reputation mutations to
// configured peers and applying the deltas peers push back, per spec.md
// section 4.7. It implements reputation.Notifier so the Store can broadcast
// every AddSpam/RemoveSpam/Drop without importing this package (the same
// indirection the teacher uses for stub.CounterVec/stub.WHOIS to keep its
// core packages free of a concrete dependency).
package gossip

import (
	"context"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spfbl-go/spfbl/metrics"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/token"
)

var xlog = mlog.New("gossip", nil)

var (
	metricSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfbl_gossip_sent_total",
			Help: "Reputation deltas sent to peers, by outcome.",
		},
		[]string{"outcome"},
	)
	metricReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spfbl_gossip_received_total",
			Help: "Reputation deltas received from peers, by outcome.",
		},
		[]string{"outcome"},
	)
	metricWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spfbl_gossip_peer_weight",
			Help: "Current agreement-derived weight applied to a peer's deltas.",
		},
		[]string{"peer"},
	)
)

// Gossiper is both ends of C12: it implements reputation.Notifier to push
// local mutations to every configured peer, and it runs a UDP listener that
// applies deltas received from peers into the local Store.
type Gossiper struct {
	log    mlog.Log
	store  *reputation.Store
	secret []byte
	peers  []string

	trackersMu sync.Mutex
	trackers   map[string]*agreementTracker

	workers chan struct{}
}

// New constructs a Gossiper. secret is the shared authentication secret of
// spec.md section 4.7/config.GossipListener.Secret; peers are "host:port"
// addresses this instance pushes its own deltas to. store is the local
// Reputation Store deltas are applied into and read back from.
func New(log mlog.Log, store *reputation.Store, secret string, peers []string) *Gossiper {
	if log.Logger == nil {
		log = xlog
	}
	g := &Gossiper{
		log:      log,
		store:    store,
		secret:   []byte(secret),
		peers:    peers,
		trackers: map[string]*agreementTracker{},
		workers:  make(chan struct{}, 64),
	}
	for _, p := range peers {
		g.trackers[p] = newAgreementTracker()
	}
	return g
}

// Notify implements reputation.Notifier: d is nil for Drop, matching
// Store.Drop's notification.
func (g *Gossiper) Notify(t token.Token, d *reputation.Distribution) {
	if len(g.peers) == 0 {
		return
	}
	pkt := encodeDelta(t, d)
	for _, peer := range g.peers {
		go g.sendTo(peer, pkt)
	}
}

func (g *Gossiper) sendTo(peer string, payload []byte) {
	mac := macFor(g.secret, peer, payload)
	frame := append(mac, payload...)

	conn, err := net.Dial("udp", peer)
	if err != nil {
		metricSent.WithLabelValues("dial_error").Inc()
		g.log.Debugx("gossip dial peer", err, slog.String("peer", peer))
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		metricSent.WithLabelValues("deadline_error").Inc()
		return
	}
	if _, err := conn.Write(frame); err != nil {
		metricSent.WithLabelValues("write_error").Inc()
		g.log.Debugx("gossip send", err, slog.String("peer", peer))
		return
	}
	metricSent.WithLabelValues("ok").Inc()
}

// ListenAndServe opens a UDP socket on address and applies incoming peer
// deltas until ctx is canceled, following the same accept-then-dispatch
// idiom as package dnslist (itself grounded on the teacher's
// serve_unix.go accept loop).
func (g *Gossiper) ListenAndServe(ctx context.Context, address string) error {
	pc, err := net.ListenPacket("udp", address)
	if err != nil {
		return err
	}
	g.log.Info("gossip listening", slog.String("address", address))

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
			g.log.Errorx("gossip read", err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		g.workers <- struct{}{}
		go func() {
			defer func() { <-g.workers }()
			defer func() {
				if x := recover(); x != nil {
					g.log.Error("gossip handler panic", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc("gossip")
				}
			}()
			g.handlePacket(addr, packet)
		}()
	}
}

func (g *Gossiper) handlePacket(addr net.Addr, packet []byte) {
	peer := addr.String()
	if len(packet) < macSize {
		metricReceived.WithLabelValues("short").Inc()
		return
	}
	mac, payload := packet[:macSize], packet[macSize:]

	// The sender's address as it appears to us may differ from the address
	// we'd dial it back on (NAT, multi-homed peers), so we check the MAC
	// against every configured peer rather than just addr.String().
	var matchedPeer string
	for _, p := range g.peers {
		if hmacEqual(macFor(g.secret, p, payload), mac) {
			matchedPeer = p
			break
		}
	}
	if matchedPeer == "" {
		metricReceived.WithLabelValues("unauthenticated").Inc()
		g.log.Debug("gossip dropped unauthenticated packet", slog.String("peer", peer))
		return
	}

	t, d, err := decodeDelta(payload)
	if err != nil {
		metricReceived.WithLabelValues("malformed").Inc()
		g.log.Debugx("gossip decode", err, slog.String("peer", matchedPeer))
		return
	}

	tracker := g.tracker(matchedPeer)
	weight := tracker.weight()
	metricWeight.WithLabelValues(matchedPeer).Set(weight)

	if d == nil {
		g.store.Drop(t)
	} else {
		before := g.store.Status(t)
		g.store.ApplyDelta(t, d, weight)
		tracker.observe(before == d.Status())
	}
	metricReceived.WithLabelValues("ok").Inc()
}

func (g *Gossiper) tracker(peer string) *agreementTracker {
	g.trackersMu.Lock()
	defer g.trackersMu.Unlock()
	if t, ok := g.trackers[peer]; ok {
		return t
	}
	// Unconfigured sender that nonetheless authenticated: only possible if
	// the shared secret is reused across a peer set wider than g.peers.
	// Track it too, starting from the same neutral default.
	t := newAgreementTracker()
	g.trackers[peer] = t
	return t
}
