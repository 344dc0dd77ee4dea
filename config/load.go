package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/spfbl-go/spfbl/dns"
	"github.com/spfbl-go/spfbl/mlog"
)

// Parse reads and validates the static config file at p, filling in defaults
// for optional fields left at their zero value.
func Parse(p string) (c *Static, errs []error) {
	c = &Static{DataDir: "."}

	f, err := os.Open(p)
	if err != nil {
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s: %v", p, err)}
	}

	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, ok := mlog.Levels[c.LogLevel]; !ok {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if _, ok := mlog.Levels[s]; !ok {
			addErrorf("invalid package log level %q for package %q", s, pkg)
		}
	}

	dom, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		addErrorf("parsing hostname %q: %v", c.Hostname, err)
	}
	c.HostnameDomain = dom

	if c.Control.Address == "" {
		addErrorf("control listener address is required")
	}
	if c.Policy.Address == "" {
		addErrorf("policy listener address is required")
	}
	if c.Ticket.KeyFile == "" {
		addErrorf("ticket key file is required")
	}
	if c.Ticket.TTL == 0 {
		c.Ticket.TTL = 120 * time.Hour
	}

	if c.Reputation.FloodTimeIP == 0 {
		c.Reputation.FloodTimeIP = time.Second
	}
	if c.Reputation.FloodTimeSender == 0 {
		c.Reputation.FloodTimeSender = 30 * time.Second
	}
	if c.Reputation.FloodTimeHELO == 0 {
		c.Reputation.FloodTimeHELO = 5 * time.Second
	}
	for _, z := range c.Reputation.ExternalDNSBL {
		if _, err := dns.ParseDomain(z); err != nil {
			addErrorf("parsing external DNSBL zone %q: %v", z, err)
		}
	}

	if c.Defer_.GreylistTTL == 0 {
		c.Defer_.GreylistTTL = 10 * time.Minute
	}
	if c.Defer_.FloodTTL == 0 {
		c.Defer_.FloodTTL = time.Hour
	}
	if c.Defer_.BlockTTL == 0 {
		c.Defer_.BlockTTL = time.Hour
	}
	if c.Defer_.SoftfailTTL == 0 {
		c.Defer_.SoftfailTTL = time.Hour
	}
	if c.Defer_.MaxRetry == 0 {
		c.Defer_.MaxRetry = 3
	}
	if c.Defer_.FloodMaxRetry == 0 {
		c.Defer_.FloodMaxRetry = 10
	}

	if c.SPF.AllDefault == "" {
		c.SPF.AllDefault = "neutral"
	} else if c.SPF.AllDefault != "neutral" && c.SPF.AllDefault != "rfc" {
		addErrorf("invalid SPF.AllDefault %q, must be neutral or rfc", c.SPF.AllDefault)
	}
	if c.SPF.CacheRefresh == 0 {
		c.SPF.CacheRefresh = 15 * time.Minute
	}

	if c.DNSList.Enabled && c.DNSList.AbuseLimiter.MaxPerMinute == 0 {
		c.DNSList.AbuseLimiter.MaxPerMinute = 60
	}

	for _, z := range c.Zones {
		name := z
		if i := strings.IndexByte(z, ':'); i >= 0 {
			name = z[:i]
			switch kind := z[i+1:]; kind {
			case "dnsbl", "dnswl", "uribl", "score", "dnsal":
			default:
				addErrorf("invalid zone kind %q in %q", kind, z)
			}
		}
		if _, err := dns.ParseDomain(name); err != nil {
			addErrorf("parsing zone %q: %v", z, err)
		}
	}

	return c, errs
}
