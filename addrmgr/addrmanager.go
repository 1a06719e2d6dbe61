// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"
)

// AddrManager is a concurrency-safe, Sybil-resistant store of peer
// endpoints. See the package doc comment for the overall design.
type AddrManager struct {
	mtx sync.Mutex

	// key is the secret used to key every bucket-assignment hash. It is
	// generated once per fresh manager and never exposed.
	key [32]byte

	// rand is the manager's non-cryptographic PRNG, seeded once from a
	// cryptographic source at construction.
	rand *rand.Rand

	nextID int64

	infoByID map[int64]*addrInfo
	idByAddr map[string]int64

	// randomVec supports O(1) uniform sampling: info.randomPos is always
	// the index of that entry's id within this slice.
	randomVec []int64

	triedBuckets [triedBucketCount][]int64
	newBuckets   [newBucketCount]map[int64]struct{}

	nTried int
	nNew   int
}

// New constructs an empty AddrManager with a freshly generated secret key.
func New() *AddrManager {
	am := &AddrManager{
		infoByID: make(map[int64]*addrInfo),
		idByAddr: make(map[string]int64),
	}
	am.reset()
	return am
}

// reset (re)initializes all manager state, including generating a new
// secret key and reseeding the PRNG. It is used by New.
func (a *AddrManager) reset() {
	if _, err := io.ReadFull(crand.Reader, a.key[:]); err != nil {
		// crypto/rand failing is already fatal for this process's
		// ability to do anything security-sensitive; there's no
		// sensible recovery, and this is construction-time only.
		panic("addrmgr: failed to read cryptographic randomness: " + err.Error())
	}

	var seedBuf [8]byte
	if _, err := io.ReadFull(crand.Reader, seedBuf[:]); err != nil {
		panic("addrmgr: failed to read cryptographic randomness: " + err.Error())
	}
	seed := int64(binary.LittleEndian.Uint64(seedBuf[:]))
	a.rand = rand.New(rand.NewSource(seed))

	a.nextID = 0
	a.infoByID = make(map[int64]*addrInfo)
	a.idByAddr = make(map[string]int64)
	a.randomVec = a.randomVec[:0]
	for i := range a.triedBuckets {
		a.triedBuckets[i] = nil
	}
	for i := range a.newBuckets {
		a.newBuckets[i] = make(map[int64]struct{})
	}
	a.nTried = 0
	a.nNew = 0
}

// Size returns the total number of distinct endpoints known to the
// manager.
func (a *AddrManager) Size() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.randomVec)
}

// NewCount returns the number of endpoints currently in the new tier.
func (a *AddrManager) NewCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.nNew
}

// TriedCount returns the number of endpoints currently in the tried tier.
func (a *AddrManager) TriedCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.nTried
}

// NeedMoreAddresses reports whether the manager holds fewer endpoints
// than a node would typically want before it stops soliciting more via
// getaddr.
func (a *AddrManager) NeedMoreAddresses() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.randomVec) < needAddressThreshold
}

// needAddressThreshold is the endpoint count below which
// NeedMoreAddresses reports true.
const needAddressThreshold = 1000

// find looks up the internal id and info for an endpoint, if known. It
// must be called with the lock held.
func (a *AddrManager) find(e Endpoint) (int64, *addrInfo, bool) {
	id, ok := a.idByAddr[e.Key()]
	if !ok {
		return 0, nil, false
	}
	return id, a.infoByID[id], true
}

// appendRandom appends id to randomVec and stamps its randomPos.
func (a *AddrManager) appendRandom(id int64, info *addrInfo) {
	info.randomPos = len(a.randomVec)
	a.randomVec = append(a.randomVec, id)
}

// removeRandom swap-removes id's entry from randomVec in O(1), fixing up
// the randomPos of whichever entry gets moved into its place.
func (a *AddrManager) removeRandom(info *addrInfo) {
	last := len(a.randomVec) - 1
	pos := info.randomPos
	movedID := a.randomVec[last]
	a.randomVec[pos] = movedID
	a.randomVec = a.randomVec[:last]
	if pos != last {
		a.infoByID[movedID].randomPos = pos
	}
}

// deleteEntry removes id entirely from all three indexes. It must only be
// called on an entry that is no longer referenced by any tried bucket or
// any new bucket (refCount == 0 and !inTried).
func (a *AddrManager) deleteEntry(id int64, info *addrInfo) {
	a.removeRandom(info)
	delete(a.idByAddr, info.endpoint.Key())
	delete(a.infoByID, id)
}

// Add records a candidate endpoint reported by source. It returns true if
// a new entry was created; it returns false for non-routable input and
// for endpoints the manager already knows about (though it may still
// update the existing entry's metadata).
func (a *AddrManager) Add(addr Endpoint, source Endpoint, timePenalty time.Duration) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.addLocked(addr, source, timePenalty)
}

// AddMany is the batch form of Add; it returns the number of endpoints
// newly added.
func (a *AddrManager) AddMany(addrs []Endpoint, source Endpoint, timePenalty time.Duration) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	n := 0
	for _, addr := range addrs {
		if a.addLocked(addr, source, timePenalty) {
			n++
		}
	}
	return n
}

func (a *AddrManager) addLocked(addr Endpoint, source Endpoint, timePenalty time.Duration) bool {
	if !IsRoutable(addr.IP) {
		return false
	}

	now := time.Now()
	ts := addr.Time
	if ts.Before(time.Unix(0, 0)) {
		ts = time.Unix(0, 0)
	}
	if cap := now.Add(10 * time.Minute); ts.After(cap) {
		ts = cap
	}
	ts = ts.Add(-timePenalty)
	addr.Time = ts

	id, info, exists := a.find(addr)
	if exists {
		info.endpoint.AddService(addr.Services)

		if addr.Time.Sub(info.endpoint.Time) > freshnessThreshold {
			info.endpoint.Time = addr.Time
		}

		if info.inTried {
			return false
		}
		if info.refCount >= newBucketsPerAddress {
			return false
		}

		// The multiplicity boost: with probability 1/(1+refCount),
		// insert this already-known entry into one more bucket,
		// computed from this add's source.
		if a.rand.Intn(info.refCount+1) != 0 {
			return false
		}

		bucket := newBucket(a.key, info.endpoint, source)
		if _, already := a.newBuckets[bucket][id]; already {
			return false
		}
		if len(a.newBuckets[bucket]) >= newBucketSize {
			a.shrinkNew(bucket)
		}
		a.newBuckets[bucket][id] = struct{}{}
		info.refCount++
		return false
	}

	info = &addrInfo{
		endpoint: addr.Clone(),
		source:   source.Clone(),
	}
	id = a.nextID
	a.nextID++
	a.infoByID[id] = info
	a.idByAddr[addr.Key()] = id
	a.appendRandom(id, info)

	bucket := newBucket(a.key, info.endpoint, source)
	if len(a.newBuckets[bucket]) >= newBucketSize {
		a.shrinkNew(bucket)
	}
	a.newBuckets[bucket][id] = struct{}{}
	info.refCount = 1
	a.nNew++

	return true
}

// shrinkNew evicts exactly one entry from the given new bucket to make
// room, biased toward the most likely to be terrible: if any entry in the
// bucket is terrible, one of those is evicted; otherwise a uniformly
// random entry is evicted.
func (a *AddrManager) shrinkNew(bucket int) {
	now := time.Now()
	b := a.newBuckets[bucket]
	if len(b) == 0 {
		return
	}

	var terrible []int64
	var all []int64
	for id := range b {
		all = append(all, id)
		if a.infoByID[id].isTerrible(now) {
			terrible = append(terrible, id)
		}
	}

	pool := all
	if len(terrible) > 0 {
		pool = terrible
	}
	victim := pool[a.rand.Intn(len(pool))]
	log.Tracef("addrmgr: evicting %s from new bucket %d (terrible=%v)",
		a.infoByID[victim].endpoint.Key(), bucket, len(terrible) > 0)
	a.evictFromNewBucket(bucket, victim, a.infoByID[victim])
}

// evictFromNewBucket removes id from the given new bucket, decrementing
// its refCount and, if that drops to zero, deleting the entry outright
// (the only place entries are ever discarded rather than moved).
func (a *AddrManager) evictFromNewBucket(bucket int, id int64, info *addrInfo) {
	delete(a.newBuckets[bucket], id)
	info.refCount--
	if info.refCount == 0 {
		a.nNew--
		log.Debugf("addrmgr: dropping %s, no longer referenced by any new bucket", info.endpoint.Key())
		a.deleteEntry(id, info)
	}
}

// MarkGood records a successful connection and promotes the endpoint to
// the tried tier if it isn't there already.
func (a *AddrManager) MarkGood(addr Endpoint, t time.Time) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	id, info, ok := a.find(addr)
	if !ok {
		return makeError(ErrAddressNotFound, "address not found: "+addr.Key())
	}

	info.lastSuccess = t
	info.lastTry = t
	info.attempts = 0
	info.endpoint.Time = t

	if info.inTried {
		return nil
	}

	// Remove from every new bucket that references it.
	for b := range a.newBuckets {
		if _, ok := a.newBuckets[b][id]; ok {
			delete(a.newBuckets[b], id)
		}
	}
	info.refCount = 0
	a.nNew--

	bucket := triedBucket(a.key, info.endpoint)
	if len(a.triedBuckets[bucket]) < triedBucketSize {
		a.triedBuckets[bucket] = append(a.triedBuckets[bucket], id)
		info.inTried = true
		a.nTried++
		log.Debugf("addrmgr: promoted %s to tried bucket %d", info.endpoint.Key(), bucket)
		return nil
	}

	// Bucket is full: evict a victim slot uniformly, demote the victim
	// back into new, then occupy the freed slot.
	victimSlot := a.rand.Intn(len(a.triedBuckets[bucket]))
	victimID := a.triedBuckets[bucket][victimSlot]
	victimInfo := a.infoByID[victimID]

	log.Debugf("addrmgr: tried bucket %d full, demoting %s to make room for %s",
		bucket, victimInfo.endpoint.Key(), info.endpoint.Key())

	victimInfo.inTried = false
	vb := newBucket(a.key, victimInfo.endpoint, victimInfo.source)
	if len(a.newBuckets[vb]) >= newBucketSize {
		a.shrinkNew(vb)
	}
	a.newBuckets[vb][victimID] = struct{}{}
	victimInfo.refCount = 1
	a.nNew++
	a.nTried--

	a.triedBuckets[bucket][victimSlot] = id
	info.inTried = true
	a.nTried++
	log.Debugf("addrmgr: promoted %s to tried bucket %d", info.endpoint.Key(), bucket)

	return nil
}

// MarkAttempt records a connection attempt.
func (a *AddrManager) MarkAttempt(addr Endpoint, t time.Time) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	_, info, ok := a.find(addr)
	if !ok {
		return makeError(ErrAddressNotFound, "address not found: "+addr.Key())
	}
	info.lastTry = t
	info.attempts++
	return nil
}

// MarkConnected refreshes the advertised timestamp of an endpoint we are
// currently connected to, but only if more than connectedHeartbeat has
// elapsed since it was last refreshed, to avoid gratuitous serialized
// churn.
func (a *AddrManager) MarkConnected(addr Endpoint, t time.Time) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	_, info, ok := a.find(addr)
	if !ok {
		return makeError(ErrAddressNotFound, "address not found: "+addr.Key())
	}
	if t.Sub(info.endpoint.Time) > connectedHeartbeat {
		info.endpoint.Time = t
	}
	return nil
}

// Select picks one endpoint to try connecting to. newBias, in [0, 100],
// biases selection toward the new tier (0 = always tried, 100 = always
// new, subject to whichever tier is non-empty). It returns false if the
// manager holds no endpoints at all.
func (a *AddrManager) Select(newBias int) (SelectedAddress, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	if len(a.randomVec) == 0 {
		return SelectedAddress{}, false
	}
	if newBias < 0 {
		newBias = 0
	}
	if newBias > 100 {
		newBias = 100
	}

	now := time.Now()
	for {
		useTried := a.nTried > 0 && (a.nNew == 0 ||
			a.rand.Intn(a.nTried*(100-newBias)+a.nNew*newBias) < a.nTried*(100-newBias))

		var info *addrInfo
		if useTried {
			info = a.pickFromTried()
		} else {
			info = a.pickFromNew()
		}
		if info == nil {
			continue
		}

		p := info.chance(now)
		if p > 1 {
			p = 1
		}
		if a.rand.Float64() < p {
			return info.snapshot(), true
		}
	}
}

// pickFromTried picks a uniformly random tried bucket and a uniformly
// random slot within it, or nil if the chosen bucket is empty.
func (a *AddrManager) pickFromTried() *addrInfo {
	bucket := a.rand.Intn(triedBucketCount)
	if len(a.triedBuckets[bucket]) == 0 {
		return nil
	}
	slot := a.rand.Intn(len(a.triedBuckets[bucket]))
	return a.infoByID[a.triedBuckets[bucket][slot]]
}

// pickFromNew picks a uniformly random new bucket and a uniformly random
// entry within it, or nil if the chosen bucket is empty.
func (a *AddrManager) pickFromNew() *addrInfo {
	bucket := a.rand.Intn(newBucketCount)
	n := len(a.newBuckets[bucket])
	if n == 0 {
		return nil
	}
	nth := a.rand.Intn(n)
	for id := range a.newBuckets[bucket] {
		if nth == 0 {
			return a.infoByID[id]
		}
		nth--
	}
	return nil
}

// GetAddr returns a random sample of known, non-terrible endpoints for
// gossip, at most min(size*23/100, 2500) of them.
func (a *AddrManager) GetAddr() []Endpoint {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	total := len(a.randomVec)
	if total == 0 {
		return nil
	}

	quota := total * getAddrMaxPct / 100
	if quota > getAddrMax {
		quota = getAddrMax
	}
	if quota == 0 {
		return nil
	}

	now := time.Now()
	ids := make([]int64, len(a.randomVec))
	copy(ids, a.randomVec)

	out := make([]Endpoint, 0, quota)
	for i := 0; i < total && len(out) < quota; i++ {
		j := i + a.rand.Intn(total-i)
		ids[i], ids[j] = ids[j], ids[i]

		info := a.infoByID[ids[i]]
		if info.isTerrible(now) {
			continue
		}
		out = append(out, info.endpoint.Clone())
	}
	return out
}
