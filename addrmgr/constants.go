// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import "time"

// Tunable parameters of the address manager. These values are the
// original bitcoin-era addrman constants; an embedding node may reference
// them, but changing newBucketCount (the only one the on-disk format
// tolerates) requires going through Deserialize's recompute path rather
// than just editing the constant.
const (
	// triedBucketCount is the number of buckets tried addresses are
	// spread across.
	triedBucketCount = 64

	// triedBucketSize is the maximum number of addresses in a single
	// tried bucket.
	triedBucketSize = 64

	// newBucketCount is the number of buckets new addresses are spread
	// across. This is the value persisted as bucketCountAtWrite in the
	// on-disk format so that a future build with a different value can
	// detect the mismatch and recompute bucket assignments.
	newBucketCount = 256

	// newBucketSize is the maximum number of addresses in a single new
	// bucket.
	newBucketSize = 64

	// triedBucketsPerGroup is the modulus of the first-level tried hash,
	// which is taken over an address's group alone. The second-level
	// hash also mixes in the full endpoint, so the entries of one group
	// are not confined to this many tried buckets.
	triedBucketsPerGroup = 4

	// newBucketsPerSourceGroup is the modulus of the first-level new
	// hash over the source's group. The second-level hash also takes
	// only the source group, so every endpoint reported from one source
	// group lands in the same new bucket.
	newBucketsPerSourceGroup = 32

	// newBucketsPerAddress is the maximum number of new buckets a single
	// address may simultaneously occupy.
	newBucketsPerAddress = 4

	// horizonDays is the maximum age, in days, an advertised timestamp
	// may reach before an entry is considered terrible.
	horizonDays = 30

	// retries is the number of failed attempts, with no success ever,
	// after which an entry is considered terrible.
	retries = 3

	// maxFailures is the number of failed attempts, within minBadDays,
	// after which an entry is considered terrible regardless of whether
	// it has ever succeeded.
	maxFailures = 10

	// minBadDays is the number of days since the last success that must
	// elapse before maxFailures applies.
	minBadDays = 7

	// getAddrMaxPct is the percentage of known addresses returned by
	// GetAddr.
	getAddrMaxPct = 23

	// getAddrMax is the hard cap on the number of addresses GetAddr
	// returns.
	getAddrMax = 2500

	// recentlyTriedWindow is not referenced by chance or isTerrible; both
	// treat an attempt within the last minute as recent.
	recentlyTriedWindow = 10 * time.Minute

	// freshnessThreshold is the minimum improvement in advertised
	// timestamp required before Add bothers updating an existing entry's
	// time, to rate-limit update churn.
	freshnessThreshold = 60 * time.Minute

	// connectedHeartbeat is the minimum interval between MarkConnected
	// timestamp refreshes.
	connectedHeartbeat = 20 * time.Minute

	// serializationVersion is the only version byte Deserialize accepts.
	serializationVersion = 0
)
