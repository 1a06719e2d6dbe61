// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Bucket tags identify which of the four keyed-hash derivations is being
// computed. Each is mixed in as a single byte ahead of the secret key, so
// that the "group bucket" and "final bucket" hashes for new and tried
// addresses can never collide with one another even when fed identical
// remaining input.
const (
	tagTriedGroupBucket byte = 1 // "T1": group(E) -> bucket-of-4
	tagTriedBucket      byte = 2 // "T2": E, gb    -> bucket-of-64
	tagNewSourceBucket  byte = 3 // "N1": group(E_src) -> bucket-of-32
	tagNewBucket        byte = 4 // "N2": group(E_src), sb -> bucket-of-256
)

// keyedHash computes H(key, tag, parts...): a double-SHA256 of the
// concatenation of the tag byte, the secret key, and the remaining parts,
// truncated to its low 64 bits (little-endian, matching the rest of this
// package's on-disk integer encoding).
func keyedHash(key [32]byte, tag byte, parts ...[]byte) uint64 {
	size := 1 + len(key)
	for _, p := range parts {
		size += len(p)
	}
	data := make([]byte, 0, size)
	data = append(data, tag)
	data = append(data, key[:]...)
	for _, p := range parts {
		data = append(data, p...)
	}
	sum := chainhash.HashB(data)
	return binary.LittleEndian.Uint64(sum[:8])
}

// triedBucket returns the tried-tier bucket index (0..63) for e, derived
// from e's own group and a group-bucket selected from the same group:
// gb = H(T1, key, group(e)) mod 4; return H(T2, key, e, gb) mod 64.
func triedBucket(key [32]byte, e Endpoint) int {
	group := []byte(Group(e))
	gb := keyedHash(key, tagTriedGroupBucket, group) % triedBucketsPerGroup

	var gbBuf [8]byte
	binary.LittleEndian.PutUint64(gbBuf[:], gb)

	addrKey := []byte(e.Key())
	h := keyedHash(key, tagTriedBucket, addrKey, gbBuf[:])
	return int(h % triedBucketCount)
}

// newBucket returns the new-tier bucket index (0..255) for endpoint e
// reported by source, derived from source's group and a source-bucket
// selected from that group: sb = H(N1, key, group(src)) mod 32; return
// H(N2, key, group(src), sb) mod 256.
func newBucket(key [32]byte, e, source Endpoint) int {
	srcGroup := []byte(Group(source))
	sb := keyedHash(key, tagNewSourceBucket, srcGroup) % newBucketsPerSourceGroup

	var sbBuf [8]byte
	binary.LittleEndian.PutUint64(sbBuf[:], sb)

	h := keyedHash(key, tagNewBucket, srcGroup, sbBuf[:])
	return int(h % newBucketCount)
}
