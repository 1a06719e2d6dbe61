// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"math"
	"time"
)

// addrInfo tracks everything the manager knows about one endpoint beyond
// the endpoint itself: who told us about it, how our attempts to reach it
// have gone, and which of the three indexes (random vector, tried bucket,
// new buckets) currently reference it.
//
// All fields are read and written exclusively under AddrManager's mutex;
// addrInfo carries no lock of its own.
type addrInfo struct {
	endpoint Endpoint
	source   Endpoint

	lastSuccess time.Time
	lastTry     time.Time
	attempts    int

	// inTried and refCount together encode which tier this entry is in:
	// exactly one of (inTried && refCount==0) or (!inTried &&
	// refCount>=1) holds at all times.
	inTried  bool
	refCount int

	// randomPos is the index of this entry's id within randomVec.
	randomPos int
}

// SelectedAddress is a read-only snapshot of an endpoint and its
// reputation, returned by AddrManager.Select. It is decoupled from the
// manager's internal addrInfo so callers can retain it safely without
// holding (or needing) the manager's lock.
type SelectedAddress struct {
	Endpoint    Endpoint
	Source      Endpoint
	LastSuccess time.Time
	LastTry     time.Time
	Attempts    int
}

func (ai *addrInfo) snapshot() SelectedAddress {
	return SelectedAddress{
		Endpoint:    ai.endpoint.Clone(),
		Source:      ai.source.Clone(),
		LastSuccess: ai.lastSuccess,
		LastTry:     ai.lastTry,
		Attempts:    ai.attempts,
	}
}

// recentAttemptPenalty is the multiplier chance applies to an entry that
// was attempted within the last minute, so the selector doesn't hammer an
// endpoint it just tried.
const recentAttemptPenalty = 0.01

// chance returns the selection probability for this entry at now: it
// starts at 1.0, is downweighted by 0.01 if the entry was tried within the
// last minute, by 0.66^min(attempts,8) for failed attempts, and — if it
// has never succeeded — by 1/(1+hoursSinceAdvertised/24), a decay that
// reaches 1/2 after one unconfirmed day and 1/(n+1) after n days. The caller is
// responsible for clamping the result to at most 1.
func (ai *addrInfo) chance(now time.Time) float64 {
	c := 1.0

	if !ai.lastTry.IsZero() && now.Sub(ai.lastTry) < time.Minute {
		c *= recentAttemptPenalty
	}

	c *= math.Pow(0.66, math.Min(float64(ai.attempts), 8))

	if ai.lastSuccess.IsZero() {
		hoursSinceSeen := now.Sub(ai.endpoint.Time).Hours()
		if hoursSinceSeen > 0 {
			c *= 1.0 / (1.0 + hoursSinceSeen/24.0)
		}
	}

	return c
}

// isTerrible reports whether this entry is bad enough to be evicted on
// sight: it claims to be from the future and has never connected, its
// advertised time is older than horizonDays, it is currently being tried
// (an attempt within the last minute), it has failed at least retries
// times with no success ever, or it has failed at least maxFailures times
// with no success in the last minBadDays days.
func (ai *addrInfo) isTerrible(now time.Time) bool {
	if !ai.lastTry.IsZero() && now.Sub(ai.lastTry) < time.Minute {
		return true
	}
	if ai.lastSuccess.IsZero() && ai.endpoint.Time.After(now.Add(10*time.Minute)) {
		return true
	}
	if ai.endpoint.Time.Before(now.Add(-horizonDays * 24 * time.Hour)) {
		return true
	}
	if ai.lastSuccess.IsZero() && ai.attempts >= retries {
		return true
	}
	if ai.attempts >= maxFailures &&
		!ai.lastSuccess.After(now.Add(-minBadDays*24*time.Hour)) {
		return true
	}
	return false
}
