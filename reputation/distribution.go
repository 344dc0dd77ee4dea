// Package reputation implements the per-token sliding-window reputation
// store of spec.md component C6: complaint counting, query inter-arrival
// statistics, the derived WHITE/GRAY/BLACK/BLOCK status machine, and flood
// detection.
package reputation

import (
	"math"
	"sync"
	"time"

	"github.com/spfbl-go/spfbl/token"
)

// Status is the derived reputation label of spec.md section 3.
type Status string

const (
	StatusWhite Status = "WHITE"
	StatusGray  Status = "GRAY"
	StatusBlack Status = "BLACK"
	StatusBlock Status = "BLOCK"
)

// Thresholds from spec.md section 4.3.
const (
	thresholdWhite = 1.0 / 64
	thresholdGray  = 0.25
	thresholdBlack = 0.5
	thresholdBlock = 0.75

	weekSeconds = float64(7 * 24 * time.Hour / time.Second)
)

// Distribution is the reputation record for one token (spec.md section 3).
// Exported fields are a point-in-time copy suitable for persistence;
// mutation always goes through Store methods, which hold the per-entry
// mutex.
type Distribution struct {
	Token         token.Token
	Complaints    int64
	LastQuery     time.Time
	LastComplaint time.Time

	// Online mean/variance of query inter-arrival time, in seconds (Welford's
	// algorithm), approximating the "rolling inter-arrival normal
	// distribution" of spec.md section 3.
	IAMean  float64
	IAVar   float64
	IACount int64
	IAMin   float64 // Smallest observed inter-arrival, seconds; drives flood detection.

	status Status

	mu sync.Mutex
}

// clampComplaints keeps Complaints within [0, math.MaxInt64), per spec.md section 3
// invariant "complaint count never exceeds INT_MAX" and "clamped
// non-negative".
func clampComplaints(n int64) int64 {
	if n < 0 {
		return 0
	}
	if n == math.MaxInt64 {
		return n - 1
	}
	return n
}

// estimatedHam approximates message volume without complaints from the
// observed query rate: spec.md section 4.3, "estimated ham is
// week_seconds / min_interarrival".
func (d *Distribution) estimatedHam() float64 {
	if d.IAMin <= 0 {
		return 0
	}
	return weekSeconds / d.IAMin
}

// probability computes p = complaints / (complaints + estimated_ham),
// capped by the minimum-sample floor of spec.md section 4.3.
func (d *Distribution) probability() float64 {
	c := float64(d.Complaints)
	ham := d.estimatedHam()
	denom := c + ham
	var p float64
	if denom > 0 {
		p = c / denom
	}

	var cap float64 = 1
	switch {
	case d.Complaints < 3:
		cap = 0.25
	case d.Complaints < 5:
		cap = 0.5
	case d.Complaints < 7:
		cap = 0.75
	}
	if p > cap {
		p = cap
	}
	return p
}

// Probability returns the token's current spam probability, used directly
// by the SCORE DNS-list zone (spec.md section 4.6).
func (d *Distribution) Probability() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probability()
}

// Status returns the current derived status.
func (d *Distribution) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// PeerSnapshot builds a Distribution representing a peer's claim about t,
// with its status pre-derived from complaints/lastComplaint. Used by
// package gossip (spec.md section 4.7) to compare what a peer believes
// about a token against the local status before merging the peer's delta.
func PeerSnapshot(t token.Token, complaints int64, lastComplaint time.Time) *Distribution {
	d := &Distribution{Token: t, Complaints: complaints, LastComplaint: lastComplaint}
	d.deriveStatus()
	return d
}

// LastComplaintAt returns the time of the most recent AddSpam call against
// this token, or the zero Time if it has never drawn a complaint. Used by
// the DNSBL zone (spec.md section 4.6) to distinguish a recently active
// listing from a long-standing one.
func (d *Distribution) LastComplaintAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.LastComplaint
}

// deriveStatus implements the hysteresis state machine of spec.md section
// 4.3:
//
//	WHITE -> GRAY at p>=0.25 -> BLACK at p>=0.5 -> BLOCK at p>=0.75
//	BLACK -> GRAY when p<0.25 (hysteresis prevents flap)
//	WHITE regained only at p<1/64.
//
// For IP-shaped tokens the top state collapses to BLACK; for domain/sender
// tokens the top state is BLOCK.
func (d *Distribution) deriveStatus() {
	p := d.probability()
	top := StatusBlock
	if d.Token.Class() == token.ClassIP {
		top = StatusBlack
	}

	switch d.status {
	case "", StatusWhite:
		switch {
		case top == StatusBlock && p >= thresholdBlock:
			d.status = StatusBlock
		case p >= thresholdBlack:
			d.status = StatusBlack
		case p >= thresholdGray:
			d.status = StatusGray
		default:
			d.status = StatusWhite
		}
	case StatusGray:
		switch {
		case top == StatusBlock && p >= thresholdBlock:
			d.status = StatusBlock
		case p >= thresholdBlack:
			d.status = StatusBlack
		case p < thresholdWhite:
			d.status = StatusWhite
		default:
			d.status = StatusGray
		}
	case StatusBlack:
		switch {
		case top == StatusBlock && p >= thresholdBlock:
			d.status = StatusBlock
		case p < thresholdGray:
			d.status = StatusGray
		default:
			d.status = StatusBlack
		}
	case StatusBlock:
		switch {
		case p < thresholdGray:
			d.status = StatusGray
		case p < thresholdBlock:
			d.status = StatusBlack
		default:
			d.status = StatusBlock
		}
	}
}
