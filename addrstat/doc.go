// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package addrstat implements a sliding-window reputation tracker for peer
endpoints, independent of and complementary to addrmgr.

Where addrmgr classifies endpoints into coarse tiers, addrstat keeps a
finer-grained signal: how often each endpoint has been observed connected
over a rolling window of recent history. That signal backs an alternate
selector a node can fall back to when it would rather bias toward (or
away from) historically reliable peers than rely on addrmgr's tier and
chance heuristics alone.

Each tracked endpoint carries a fixed-size ring buffer of per-window
counts plus a running sum; Advance rolls the window forward and decays
old activity out of the sum, Observe records activity within the current
window subject to a per-window cap, and Select draws from a score-sorted
view of all tracked endpoints once enough of them exist to make the
signal meaningful.
*/
package addrstat
