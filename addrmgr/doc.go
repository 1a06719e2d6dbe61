// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrmgr implements a concurrency-safe, Sybil-resistant address
manager for a peer-to-peer node.

# Address Manager Overview

A node needs a bounded, attacker-resistant store of the endpoints it has
heard about or connected to, so it can pick outbound candidates and answer
other peers' requests for addresses without leaking easily-gamed selection
bias to whoever last spammed it with gossip.

This package segregates known endpoints into a "new" tier (heard about,
never confirmed reachable) and a "tried" tier (successfully connected to
at least once), each partitioned into a fixed number of fixed-capacity
buckets. Bucket assignment is a keyed hash: a tried endpoint is placed by
a hash of its network group and the endpoint itself, and a new endpoint
by a hash of the reporting peer's network group alone, so every endpoint
gossiped from one source group shares a single new bucket and one
gossiping network range cannot fill more than that bucket of the new
tier. A randomized insertion-order index gives GetAddr its uniform
sample; Select draws a random bucket and a random slot within it.

The manager performs no I/O of its own beyond the Serialize/Deserialize
byte-stream codec; callers own sockets, wire framing, scheduling, and the
clock.
*/
package addrmgr
