package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"

	"github.com/spfbl-go/spfbl/buildinfo"
	"github.com/spfbl-go/spfbl/config"
	"github.com/spfbl-go/spfbl/defer_"
	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/dnslist"
	"github.com/spfbl-go/spfbl/gossip"
	"github.com/spfbl-go/spfbl/ledger"
	"github.com/spfbl-go/spfbl/mlog"
	"github.com/spfbl-go/spfbl/moxio"
	"github.com/spfbl-go/spfbl/pipeline"
	"github.com/spfbl-go/spfbl/policy"
	"github.com/spfbl-go/spfbl/reputation"
	"github.com/spfbl-go/spfbl/spf"
	"github.com/spfbl-go/spfbl/spfbld-"
	"github.com/spfbl-go/spfbl/store"
	"github.com/spfbl-go/spfbl/ticket"
)

// cmdServe starts every listener and background job described by
// SPEC_FULL.md, following the shape of the teacher's serve_unix.go
// cmdServe: load config, construct the long-lived components, start
// listeners in goroutines, then block until a shutdown signal.
func cmdServe(c *cmd) {
	c.help = `Start spfbld, serving the control protocol, the Postfix
policy-server protocol, and (if configured) the DNS-list and gossip
listeners.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	log := c.log

	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		log.Fatalx("resolving config path", err)
	}
	spfbld.ConfigStaticPath = absConfig

	cfg, errs := config.Parse(configPath)
	if len(errs) > 0 {
		for _, e := range errs {
			log.Error("config error", slog.Any("err", e))
		}
		os.Exit(1)
	}

	levels := map[string]mlog.Level{"": mlog.Levels[cfg.LogLevel]}
	for pkg, s := range cfg.PackageLogLevels {
		levels[pkg] = mlog.Levels[s]
	}
	mlog.SetConfig(levels)

	log.Info("starting spfbld", slog.String("version", buildinfo.Version), slog.Any("pid", os.Getpid()))

	if err := moxio.CheckUmask(); err != nil {
		log.Error("umask check failed, reputation database and control socket may be group/world readable", slog.Any("err", err))
	}

	dataDir := func(f string) string { return spfbld.DataDirPath(cfg.DataDir, f) }

	resolver := dns.StrictResolver{Pkg: "spfbld"}

	spfReg := spf.NewRegistry(resolver, cfg.SPF.AllDefault, cfg.SPF.SyntaxErrorPermerror, cfg.SPF.BestGuessEnabled)
	rep := reputation.NewStore(reputation.FloodClassTimes{
		IP:     cfg.Reputation.FloodTimeIP,
		Sender: cfg.Reputation.FloodTimeSender,
		HELO:   cfg.Reputation.FloodTimeHELO,
	}, nil)
	led := ledger.New()
	pol := policy.NewEngine(nil)

	kvdb, err := bbolt.Open(dataDir("kv.db"), 0600, nil)
	if err != nil {
		log.Fatalx("opening kv database", err)
	}

	def, err := defer_.NewWithDB(kvdb)
	if err != nil {
		log.Fatalx("loading deferral records", err)
	}

	keyPath := dataDir(cfg.Ticket.KeyFile)
	key, err := loadOrCreateTicketKey(log, keyPath)
	if err != nil {
		log.Fatalx("loading ticket key", err)
	}
	tick := ticket.NewCodec(key)

	var gossiper *gossip.Gossiper
	if cfg.Gossip.Enabled {
		gossiper = gossip.New(mlog.New("gossip", nil), rep, cfg.Gossip.Secret, cfg.Gossip.Peers)
		rep.SetNotifier(gossiper)
	}

	eng := pipeline.NewEngine(mlog.New("pipeline", nil), resolver, cfg, spfReg, pol, rep, led, def, tick, "")

	dbPath := dataDir("spfbl.db")
	eng2, err := store.Open(spfbld.Context, dbPath, mlog.New("store", nil), spfReg, rep, led, pol)
	if err != nil {
		log.Fatalx("opening persistent store", err)
	}
	if err := eng2.Restore(spfbld.Context); err != nil {
		log.Errorx("restoring persistent store, starting empty", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serveControl(spfbld.Context, mlog.New("control", nil), eng, cfg.Control.Address); err != nil {
			log.Fatalx("control listener", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := servePolicy(spfbld.Context, mlog.New("policy", nil), eng, cfg.Policy.Address); err != nil {
			log.Fatalx("policy listener", err)
		}
	}()

	if cfg.DNSList.Enabled {
		throttle, err := dnslist.NewAbuseThrottle(kvdb)
		if err != nil {
			log.Fatalx("loading dnslist abuse throttle", err)
		}
		zones := parseZones(log, cfg.Zones)
		dl := dnslist.NewServer(mlog.New("dnslist", nil), zones, pol, rep, throttle)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dl.ListenAndServe(spfbld.Context, cfg.DNSList.Address); err != nil {
				log.Fatalx("dnslist listener", err)
			}
		}()
	}

	if cfg.Gossip.Enabled && cfg.Gossip.Address != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gossiper.ListenAndServe(spfbld.Context, cfg.Gossip.Address); err != nil {
				log.Fatalx("gossip listener", err)
			}
		}()
	}

	if cfg.MetricsHTTP.Enabled {
		port := config.Port(cfg.MetricsHTTP.Port, 8011)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorx("metrics http server", err)
			}
		}()
		go func() {
			<-spfbld.Context.Done()
			srv.Close()
		}()
	}

	go runBackgroundJobs(spfbld.Context, log, spfReg, rep, led, def, eng2, kvdb)

	log.Info("ready to serve")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down", slog.Any("signal", sig))
	shutdown(log, eng2, kvdb, def)
}

// shutdown persists final state and cancels the shared contexts, following
// the same two-stage Shutdown/Context cancellation of the teacher's
// mox-/lifecycle machinery: listeners watching Shutdown stop accepting
// immediately, in-flight work has one extra second against Context before
// being cut off.
func shutdown(log mlog.Log, eng *store.Engine, kvdb *bbolt.DB, def *defer_.Controller) {
	spfbld.ShutdownCancel()
	spfbld.Connections.ShutdownNow()

	if err := eng.Save(context.Background()); err != nil {
		log.Errorx("final store save", err)
	}
	if err := def.Snapshot(kvdb); err != nil {
		log.Errorx("final deferral snapshot", err)
	}
	if err := eng.Close(); err != nil {
		log.Errorx("closing store", err)
	}
	if err := kvdb.Close(); err != nil {
		log.Errorx("closing kv database", err)
	}

	select {
	case <-spfbld.Connections.Done():
	case <-time.After(3 * time.Second):
	}
	spfbld.ContextCancel()
}

// runBackgroundJobs drives the periodic refresh/eviction/persistence passes
// spec.md section 5 describes as independent background loops, each on its
// own interval, until ctx is canceled.
func runBackgroundJobs(ctx context.Context, log mlog.Log, spfReg *spf.Registry, rep *reputation.Store, led *ledger.Ledger, def *defer_.Controller, eng *store.Engine, kvdb *bbolt.DB) {
	tickers := []struct {
		interval time.Duration
		fn       func()
	}{
		{5 * time.Minute, func() { spfReg.RefreshOnce(ctx, 8) }},
		{time.Hour, func() { n := spfReg.EvictIdleOnce(); log.Debug("spf cache eviction", slog.Int("evicted", n)) }},
		{time.Hour, func() { n := rep.EvictIdle(); log.Debug("reputation eviction", slog.Int("evicted", n)) }},
		{time.Hour, func() { n := led.Expire(time.Now()); log.Debug("ledger expiry", slog.Int("expired", n)) }},
		{30 * time.Minute, func() { n := def.EvictIdle(7 * 24 * time.Hour); log.Debug("deferral eviction", slog.Int("evicted", n)) }},
		{time.Minute, func() {
			if err := eng.Save(ctx); err != nil {
				log.Errorx("periodic store save", err)
			}
			if err := def.Snapshot(kvdb); err != nil {
				log.Errorx("periodic deferral snapshot", err)
			}
		}},
	}

	var wg sync.WaitGroup
	for _, t := range tickers {
		wg.Add(1)
		go func(interval time.Duration, fn func()) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn()
				}
			}
		}(t.interval, t.fn)
	}
	wg.Wait()
}

// parseZones turns cfg.Zones entries into dnslist.Zone values. Each entry
// is "name" or "name:kind" (kind one of dnsbl, dnswl, uribl, score, dnsal;
// default dnsbl), since config.Static.Zones only names the DNS suffixes
// the listener answers under and spec.md section 4.6 requires a list
// semantic per zone.
func parseZones(log mlog.Log, entries []string) []dnslist.Zone {
	var zones []dnslist.Zone
	for _, e := range entries {
		name, kindS, _ := strings.Cut(e, ":")
		d, err := dns.ParseDomain(name)
		if err != nil {
			log.Errorx("parsing dnslist zone", err, slog.String("zone", e))
			continue
		}
		kind := dnslist.KindDNSBL
		if kindS != "" {
			kind = dnslist.ZoneKind(kindS)
		}
		zones = append(zones, dnslist.Zone{Suffix: d, Kind: kind})
	}
	return zones
}
