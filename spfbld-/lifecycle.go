package spfbld

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spfbl-go/spfbl/mlog"
)

// Shutdown is canceled when a graceful shutdown is initiated. The control,
// DNS-list and gossip listeners, and the periodic refresh/gossip jobs,
// should check this before starting a new operation.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent context for most operations, canceled 1 second
// after Shutdown to abort anything still in flight.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// Connections holds all active listener sockets, so they can be given an
// immediate read/write deadline on shutdown.
var Connections = &connections{
	conns:  map[net.Conn]connKind{},
	gauges: map[connKind]prometheus.GaugeFunc{},
	active: map[connKind]int64{},
}

type connKind struct {
	protocol string
	listener string
}

type connections struct {
	sync.Mutex
	conns  map[net.Conn]connKind
	dones  []chan struct{}
	gauges map[connKind]prometheus.GaugeFunc

	activeMutex sync.Mutex
	active      map[connKind]int64
}

// Register adds a connection for receiving an immediate i/o deadline on
// shutdown. Remove must be called when the connection is closed.
func (c *connections) Register(nc net.Conn, protocol, listener string) {
	select {
	case <-Shutdown.Done():
		mlog.New("spfbld", nil).Error("new connection added while shutting down")
	default:
	}

	ck := connKind{protocol, listener}

	c.activeMutex.Lock()
	c.active[ck]++
	c.activeMutex.Unlock()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = ck
	if _, ok := c.gauges[ck]; !ok {
		c.gauges[ck] = promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "spfbl_connections_count",
				Help: "Open connections, per protocol/listener.",
				ConstLabels: prometheus.Labels{
					"protocol": protocol,
					"listener": listener,
				},
			},
			func() float64 {
				c.activeMutex.Lock()
				defer c.activeMutex.Unlock()
				return float64(c.active[ck])
			},
		)
	}
}

// Unregister removes a connection on close.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	ck := c.conns[nc]

	defer func() {
		c.activeMutex.Lock()
		c.active[ck]--
		c.activeMutex.Unlock()
	}()

	delete(c.conns, nc)
	if len(c.conns) > 0 {
		return
	}
	for _, done := range c.dones {
		done <- struct{}{}
	}
	c.dones = nil
}

// ShutdownNow sets an immediate i/o deadline on all open registered sockets.
func (c *connections) ShutdownNow() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		nc.SetDeadline(now)
	}
}

// Done returns a channel on which a value is sent when no sockets are open
// anymore, which could be immediate.
func (c *connections) Done() chan struct{} {
	c.Lock()
	defer c.Unlock()
	done := make(chan struct{}, 1)
	if len(c.conns) == 0 {
		done <- struct{}{}
		return done
	}
	c.dones = append(c.dones, done)
	return done
}
