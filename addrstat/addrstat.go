// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrstat

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	// windowSeconds is the wall-clock width of one reputation window.
	windowSeconds = 6 * 3600

	// windowCount is the number of windows the ring buffer covers.
	windowCount = 56

	// maxTracked is the maximum number of endpoints Serialize will
	// write; the lowest-scoring entries are dropped to fit.
	maxTracked = 60000

	// checkInterval bounds how much of a single window one endpoint may
	// claim: at most windowSeconds/checkInterval per window.
	checkInterval = 321

	// perWindowCap is the per-window observation cap derived from
	// windowSeconds and checkInterval.
	perWindowCap = windowSeconds / checkInterval

	// selectQuorum is the minimum number of tracked endpoints Select
	// requires before it will draw from the sorted view at all.
	selectQuorum = 3000

	// seedScore is the score reported for hard-coded seed endpoints:
	// effectively infinite, so they always sort to the top of the view.
	seedScore = math.MaxInt64 / 2
)

// entry is one tracked endpoint's ring buffer and running sum.
type entry struct {
	ring  [windowCount]int32
	count int64
}

// AddrStat is a concurrency-safe sliding-window reputation tracker. See
// the package doc comment for the overall design.
type AddrStat struct {
	mtx sync.Mutex

	seeds   map[[16]byte]struct{}
	entries map[[16]byte]*entry

	// sorted is a score-ascending view of every tracked endpoint plus
	// every seed, rebuilt whenever Advance actually rolls the window.
	sorted []([16]byte)

	indexPos  int
	indexTime time.Time
}

// New constructs an AddrStat with no tracked endpoints, pinned to seeds
// as the set of hard-coded, always-maximal-score endpoints. seeds is
// typically the node's own bootstrap list and is never itself persisted.
//
// indexTime has no wall-clock anchor until the first Advance call, which
// takes it as its reference point instead of rolling forward from the
// zero time one window at a time.
func New(seeds [][16]byte) *AddrStat {
	s := &AddrStat{
		seeds:   make(map[[16]byte]struct{}, len(seeds)),
		entries: make(map[[16]byte]*entry),
	}
	for _, seed := range seeds {
		s.seeds[seed] = struct{}{}
	}
	s.rebuildLocked()
	return s
}

// Advance rolls the reputation window forward to now, decaying expired
// activity out of every tracked entry's running sum one real window at a
// time, dropping entries whose sum reaches zero, and rebuilding the
// score-sorted view used by Select.
func (s *AddrStat) Advance(now time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.advanceLocked(now)
}

func (s *AddrStat) advanceLocked(now time.Time) {
	if s.indexTime.IsZero() {
		s.indexTime = now
		return
	}

	advanced := false
	for now.Sub(s.indexTime) >= windowSeconds*time.Second {
		s.indexPos = (s.indexPos + 1) % windowCount
		s.indexTime = s.indexTime.Add(windowSeconds * time.Second)
		advanced = true
		log.Tracef("addrstat: rolled window to position %d at %s", s.indexPos, s.indexTime)

		evicted := 0
		for addr, e := range s.entries {
			e.count -= int64(e.ring[s.indexPos])
			e.ring[s.indexPos] = 0
			if e.count <= 0 {
				delete(s.entries, addr)
				evicted++
			}
		}
		if evicted > 0 {
			log.Debugf("addrstat: %d entries decayed to zero and were dropped", evicted)
		}
	}
	if advanced {
		s.rebuildLocked()
	}
}

// Observe records k units of activity for addr within the current
// window, creating the entry if it does not already exist. The current
// window's cell is capped at perWindowCap so a single endpoint cannot
// dominate one window's worth of reputation regardless of how many times
// it is observed within it.
func (s *AddrStat) Observe(addr [16]byte, k int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.entries[addr]
	if !ok {
		e = &entry{}
		s.entries[addr] = e
		log.Tracef("addrstat: now tracking %x", addr)
	}

	room := int64(perWindowCap) - int64(e.ring[s.indexPos])
	if k > room {
		k = room
	}
	if k > 0 {
		e.ring[s.indexPos] += int32(k)
		e.count += k
	}
	if e.count <= 0 {
		e.count = 1
	}
}

// Reset demotes addr: if its running sum exceeds 2, the entire ring is
// zeroed and the sum is set to exactly 2, forgiving accumulated history
// without forgetting the endpoint outright. Unknown addresses are a
// no-op.
func (s *AddrStat) Reset(addr [16]byte) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	e, ok := s.entries[addr]
	if !ok || e.count <= 2 {
		return
	}
	for i := range e.ring {
		e.ring[i] = 0
	}
	e.count = 2
	log.Debugf("addrstat: reset %x to a count of 2", addr)
}

// Score advances the window to now, then reports addr's current
// reputation: seedScore for a seed address regardless of whether it has
// ever been observed, zero for an address that isn't tracked, and its
// running sum otherwise.
func (s *AddrStat) Score(addr [16]byte) int64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.advanceLocked(time.Now())
	return s.scoreLocked(addr)
}

func (s *AddrStat) scoreLocked(addr [16]byte) int64 {
	if _, ok := s.seeds[addr]; ok {
		return seedScore
	}
	e, ok := s.entries[addr]
	if !ok {
		return 0
	}
	return e.count
}

// Select draws one endpoint from the score-sorted view, biased by
// newBias (0..100) toward either end. It advances to now first. Below
// selectQuorum tracked entries, it returns (zero, false); the caller is
// responsible for falling back to an addrmgr selector in that case.
func (s *AddrStat) Select(newBias int, now time.Time, rng *rand.Rand) ([16]byte, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.advanceLocked(now)

	if len(s.entries) < selectQuorum {
		return [16]byte{}, false
	}

	// advanceLocked only rebuilds the sorted view when it actually rolls
	// a window; Observe/Reset calls since the last roll are not yet
	// reflected, so bring it up to date here before drawing from it.
	s.rebuildLocked()

	if newBias < 0 {
		newBias = 0
	}
	if newBias > 100 {
		newBias = 100
	}

	u := rng.Float64()
	var weight float64
	if u > 0.5 {
		weight = (float64(newBias) + float64(100-newBias)*2*(u-0.5)) / 100
	} else {
		weight = float64(newBias) * 2 * u / 100
	}

	n := len(s.sorted)
	idx := int(weight * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s.sorted[idx], true
}

// rebuildLocked recomputes the score-ascending view over every tracked
// entry plus every seed. Called whenever Advance actually rolls the
// window, once at construction, after Deserialize loads its entries, and
// by Select before each draw; Observe/Reset do not rebuild it
// themselves.
func (s *AddrStat) rebuildLocked() {
	sorted := make([]([16]byte), 0, len(s.entries)+len(s.seeds))
	seen := make(map[[16]byte]struct{}, len(s.entries)+len(s.seeds))
	for addr := range s.entries {
		sorted = append(sorted, addr)
		seen[addr] = struct{}{}
	}
	for addr := range s.seeds {
		if _, ok := seen[addr]; ok {
			continue
		}
		sorted = append(sorted, addr)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return s.scoreLocked(sorted[i]) < s.scoreLocked(sorted[j])
	})
	s.sorted = sorted
}
