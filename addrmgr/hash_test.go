// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "testing"

func testKey() [32]byte {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestTriedBucketInRange(t *testing.T) {
	key := testKey()
	e := endpointFor("8.8.8.8")
	b := triedBucket(key, e)
	if b < 0 || b >= triedBucketCount {
		t.Fatalf("triedBucket() = %d, out of range [0,%d)", b, triedBucketCount)
	}
}

func TestNewBucketInRange(t *testing.T) {
	key := testKey()
	e := endpointFor("8.8.8.8")
	src := endpointFor("1.1.1.1")
	b := newBucket(key, e, src)
	if b < 0 || b >= newBucketCount {
		t.Fatalf("newBucket() = %d, out of range [0,%d)", b, newBucketCount)
	}
}

func TestTriedBucketDeterministic(t *testing.T) {
	key := testKey()
	e := endpointFor("8.8.8.8")
	a := triedBucket(key, e)
	b := triedBucket(key, e)
	if a != b {
		t.Fatalf("triedBucket() not deterministic: %d != %d", a, b)
	}
}

func TestNewBucketDependsOnSourceNotAddress(t *testing.T) {
	key := testKey()
	src := endpointFor("1.1.1.1")

	a := newBucket(key, endpointFor("8.8.8.8"), src)
	b := newBucket(key, endpointFor("9.9.9.9"), src)
	if a != b {
		t.Fatalf("newBucket should depend only on source's group, got %d and %d", a, b)
	}
}

func TestNewBucketVariesWithDifferentKey(t *testing.T) {
	e := endpointFor("8.8.8.8")
	src := endpointFor("1.1.1.1")

	key1 := testKey()
	key2 := testKey()
	key2[0] ^= 0xff

	a := newBucket(key1, e, src)
	b := newBucket(key2, e, src)
	// Not a strict correctness requirement: with a 256-wide bucket space
	// two unrelated keys collide about once in 256 tries, but these two
	// fixed keys give different buckets, and an equal result would
	// suggest the key isn't being mixed in at all.
	if a == b {
		t.Fatalf("newBucket appears independent of key: got %d for both", a)
	}
}

func TestKeyedHashVariesWithTag(t *testing.T) {
	key := testKey()
	a := keyedHash(key, tagTriedGroupBucket, []byte("x"))
	b := keyedHash(key, tagNewSourceBucket, []byte("x"))
	if a == b {
		t.Fatalf("keyedHash with different tags collided")
	}
}
