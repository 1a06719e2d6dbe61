// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"net"
	"testing"
	"time"
)

func newTestEndpoint(t *testing.T, ip string, port uint16) Endpoint {
	t.Helper()
	parsed := net.ParseIP(ip)
	if parsed == nil {
		t.Fatalf("invalid test IP %q", ip)
	}
	return NewEndpoint(parsed, port, 0, time.Now())
}

func TestAddNewEndpoint(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)

	if !am.Add(addr, src, 0) {
		t.Fatalf("Add() = false, want true for a brand-new endpoint")
	}
	if am.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", am.Size())
	}
	if am.NewCount() != 1 {
		t.Fatalf("NewCount() = %d, want 1", am.NewCount())
	}
}

func TestAddRejectsUnroutable(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "10.0.0.1", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)

	if am.Add(addr, src, 0) {
		t.Fatalf("Add() = true, want false for an unroutable endpoint")
	}
	if am.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", am.Size())
	}
}

func TestAddExistingEndpointReturnsFalse(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)

	am.Add(addr, src, 0)
	if am.Add(addr, src, 0) {
		t.Fatalf("second Add() of the same endpoint = true, want false")
	}
	if am.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 after re-adding the same endpoint", am.Size())
	}
}

func TestAddManyCountsOnlyNewEndpoints(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	addrs := []Endpoint{
		newTestEndpoint(t, "8.8.8.1", 8333),
		newTestEndpoint(t, "8.8.8.2", 8333),
		newTestEndpoint(t, "8.8.8.1", 8333),
	}
	n := am.AddMany(addrs, src, 0)
	if n != 2 {
		t.Fatalf("AddMany() = %d, want 2 distinct new endpoints", n)
	}
}

func TestMarkGoodPromotesToTried(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(addr, src, 0)

	if err := am.MarkGood(addr, time.Now()); err != nil {
		t.Fatalf("MarkGood() error: %v", err)
	}
	if am.TriedCount() != 1 {
		t.Fatalf("TriedCount() = %d, want 1", am.TriedCount())
	}
	if am.NewCount() != 0 {
		t.Fatalf("NewCount() = %d, want 0 after promotion", am.NewCount())
	}
}

func TestMarkGoodUnknownAddressErrors(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	if err := am.MarkGood(addr, time.Now()); err == nil {
		t.Fatalf("MarkGood() on an unknown address: want an error, got nil")
	}
}

func TestMarkGoodIsIdempotent(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(addr, src, 0)
	am.MarkGood(addr, time.Now())
	if err := am.MarkGood(addr, time.Now()); err != nil {
		t.Fatalf("second MarkGood() error: %v", err)
	}
	if am.TriedCount() != 1 {
		t.Fatalf("TriedCount() = %d, want 1 after a second MarkGood()", am.TriedCount())
	}
}

func TestMarkAttemptIncrementsCount(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(addr, src, 0)

	now := time.Now()
	if err := am.MarkAttempt(addr, now); err != nil {
		t.Fatalf("MarkAttempt() error: %v", err)
	}
	_, info, ok := am.find(addr)
	if !ok {
		t.Fatalf("find() = false after Add")
	}
	if info.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", info.attempts)
	}
	if !info.lastTry.Equal(now) {
		t.Fatalf("lastTry = %v, want %v", info.lastTry, now)
	}
}

func TestMarkConnectedRespectsHeartbeat(t *testing.T) {
	am := New()
	base := time.Now().Add(-time.Hour)
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	addr.Time = base
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(addr, src, 0)

	soon := base.Add(time.Minute)
	if err := am.MarkConnected(addr, soon); err != nil {
		t.Fatalf("MarkConnected() error: %v", err)
	}
	_, info, _ := am.find(addr)
	if info.endpoint.Time.Equal(soon) {
		t.Fatalf("timestamp refreshed before the heartbeat interval elapsed")
	}

	later := base.Add(connectedHeartbeat + time.Minute)
	if err := am.MarkConnected(addr, later); err != nil {
		t.Fatalf("MarkConnected() error: %v", err)
	}
	_, info, _ = am.find(addr)
	if !info.endpoint.Time.Equal(later) {
		t.Fatalf("timestamp = %v, want %v after the heartbeat interval elapsed", info.endpoint.Time, later)
	}
}

func TestSelectEmptyManager(t *testing.T) {
	am := New()
	if _, ok := am.Select(50); ok {
		t.Fatalf("Select() on an empty manager: want ok=false")
	}
}

func TestSelectReturnsKnownAddress(t *testing.T) {
	am := New()
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(addr, src, 0)

	sel, ok := am.Select(100)
	if !ok {
		t.Fatalf("Select() = false, want true with one endpoint known")
	}
	if sel.Endpoint.Key() != addr.Key() {
		t.Fatalf("Select() returned %v, want %v", sel.Endpoint.Key(), addr.Key())
	}
}

func TestSelectPrefersTriedWhenBiasIsZero(t *testing.T) {
	am := New()
	tried := newTestEndpoint(t, "8.8.8.8", 8333)
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	am.Add(tried, src, 0)
	am.MarkGood(tried, time.Now())

	newAddr := newTestEndpoint(t, "9.9.9.9", 8333)
	am.Add(newAddr, src, 0)

	for i := 0; i < 50; i++ {
		sel, ok := am.Select(0)
		if !ok {
			t.Fatalf("Select() = false")
		}
		if sel.Endpoint.Key() != tried.Key() {
			t.Fatalf("Select(newBias=0) returned %v, want the tried endpoint %v", sel.Endpoint.Key(), tried.Key())
		}
	}
}

func TestGetAddrEmptyManager(t *testing.T) {
	am := New()
	if got := am.GetAddr(); got != nil {
		t.Fatalf("GetAddr() = %v, want nil for an empty manager", got)
	}
}

func TestGetAddrRespectsQuota(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	for i := 0; i < 20; i++ {
		ip := net.IPv4(8, 8, byte(i/256), byte(i%256)).To4()
		am.Add(NewEndpoint(ip, 8333, 0, time.Now()), src, 0)
	}
	got := am.GetAddr()
	wantMax := 20 * getAddrMaxPct / 100
	if len(got) > wantMax {
		t.Fatalf("GetAddr() returned %d addresses, want at most %d", len(got), wantMax)
	}
}

func TestGetAddrExcludesTerrible(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)

	stale := newTestEndpoint(t, "8.8.8.8", 8333)
	stale.Time = time.Now().Add(-(horizonDays + 1) * 24 * time.Hour)
	am.Add(stale, src, 0)

	// Pad the manager so the 23% quota is nonzero and could plausibly
	// include the stale entry if it weren't filtered.
	for i := 0; i < 10; i++ {
		ip := net.IPv4(9, 9, 0, byte(i)).To4()
		am.Add(NewEndpoint(ip, 8333, 0, time.Now()), src, 0)
	}

	for _, e := range am.GetAddr() {
		if e.Key() == stale.Key() {
			t.Fatalf("GetAddr() returned a terrible entry %v", e.Key())
		}
	}
}

// TestNewBucketShrinkEvictsExactlyOne fills a new bucket with terrible
// entries and confirms that adding one more, colliding entry evicts
// exactly one prior entry rather than the entire bucket.
func TestNewBucketShrinkEvictsExactlyOne(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)

	bucket := newBucket(am.key, endpointFor("50.0.0.1"), src)

	added := 0
	for i := 0; added < newBucketSize && i < 100000; i++ {
		ip := net.IPv4(byte(50+i/65536), byte((i/256)%256), byte(i%256), 1).To4()
		e := NewEndpoint(ip, 8333, 0, time.Now().Add(-2*horizonDays*24*time.Hour))
		if newBucket(am.key, e, src) != bucket {
			continue
		}
		if !am.Add(e, src, 0) {
			continue
		}
		added++
	}
	if added != newBucketSize {
		t.Skipf("could not fill the target bucket deterministically in this run (got %d/%d)", added, newBucketSize)
	}

	before := am.NewCount()
	var extra Endpoint
	found := false
	for i := 0; i < 100000; i++ {
		ip := net.IPv4(byte(100+i/65536), byte((i/256)%256), byte(i%256), 1).To4()
		e := NewEndpoint(ip, 8333, 0, time.Now())
		if newBucket(am.key, e, src) == bucket {
			extra = e
			found = true
			break
		}
	}
	if !found {
		t.Skip("could not find a colliding address for the target bucket")
	}
	am.Add(extra, src, 0)

	if am.NewCount() != before {
		t.Fatalf("NewCount() = %d, want unchanged at %d (one evicted, one added)", am.NewCount(), before)
	}
	if len(am.newBuckets[bucket]) != newBucketSize {
		t.Fatalf("bucket size = %d, want %d", len(am.newBuckets[bucket]), newBucketSize)
	}
}

func TestInvariantRandomPosMatchesPosition(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	for i := 0; i < 30; i++ {
		ip := net.IPv4(7, 0, byte(i/256), byte(i%256)).To4()
		am.Add(NewEndpoint(ip, 8333, 0, time.Now()), src, 0)
	}
	for pos, id := range am.randomVec {
		if am.infoByID[id].randomPos != pos {
			t.Fatalf("randomPos for id %d is %d, want %d", id, am.infoByID[id].randomPos, pos)
		}
	}
}

func TestInvariantTriedAndNewAreDisjoint(t *testing.T) {
	am := New()
	src := newTestEndpoint(t, "1.1.1.1", 8333)
	addr := newTestEndpoint(t, "8.8.8.8", 8333)
	am.Add(addr, src, 0)
	am.MarkGood(addr, time.Now())

	id, info, _ := am.find(addr)
	if !info.inTried {
		t.Fatalf("expected promoted entry to have inTried=true")
	}
	for b := range am.newBuckets {
		if _, ok := am.newBuckets[b][id]; ok {
			t.Fatalf("promoted entry %d still referenced by new bucket %d", id, b)
		}
	}
}
