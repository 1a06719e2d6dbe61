// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrstat

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"
)

// serializationVersion is the only version value Deserialize accepts.
const serializationVersion = 0

// Serialize writes the tracker's state to w: an i32 version, a u32
// tracked-entry count, the current i32 index position and i64 index
// time, then each tracked endpoint's 16-byte address followed by its
// windowCount i32 ring cells. Seeds are never written; they are
// hard-coded and reconstructed by the caller on reload.
//
// If more than maxTracked entries are tracked, only the maxTracked
// highest-scoring are written; the rest are silently dropped to fit.
func (s *AddrStat) Serialize(w io.Writer) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	addrs := make([]([16]byte), 0, len(s.entries))
	for addr := range s.entries {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return s.entries[addrs[i]].count > s.entries[addrs[j]].count
	})
	if len(addrs) > maxTracked {
		log.Debugf("addrstat: dropping %d lowest-scoring entries to fit maxTracked", len(addrs)-maxTracked)
		addrs = addrs[:maxTracked]
	}

	log.Debugf("addrstat: serializing %d entries at index position %d", len(addrs), s.indexPos)

	var header [4 + 4 + 4 + 8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(serializationVersion))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(addrs)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(int32(s.indexPos)))
	binary.LittleEndian.PutUint64(header[12:20], uint64(s.indexTime.Unix()))
	if _, err := w.Write(header[:]); err != nil {
		return makeError(ErrIO, "writing header: "+err.Error())
	}

	for _, addr := range addrs {
		e := s.entries[addr]
		var rec [16 + 4*windowCount]byte
		copy(rec[:16], addr[:])
		for i, cell := range e.ring {
			binary.LittleEndian.PutUint32(rec[16+4*i:16+4*i+4], uint32(cell))
		}
		if _, err := w.Write(rec[:]); err != nil {
			return makeError(ErrIO, "writing entry: "+err.Error())
		}
	}

	return nil
}

// Deserialize reads a tracker snapshot written by Serialize from r and
// returns a fresh AddrStat reconstructed from it, pinned to seeds as the
// caller's current hard-coded seed set (seeds are never persisted).
//
// Each entry's running sum is recomputed as the sum of its reloaded ring
// cells; a Reset call's decoupling of the sum from the ring does not
// survive a save/load cycle, which is consistent with this format never
// persisting the sum as its own field.
func Deserialize(r io.Reader, seeds [][16]byte) (*AddrStat, error) {
	var header [4 + 4 + 4 + 8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, makeError(ErrTruncatedData, "reading header: "+err.Error())
	}

	version := int32(binary.LittleEndian.Uint32(header[0:4]))
	if version != serializationVersion {
		return nil, makeError(ErrUnknownVersion,
			fmt.Sprintf("unknown addrstat serialization version %d", version))
	}

	nAddr := binary.LittleEndian.Uint32(header[4:8])
	indexPos := int32(binary.LittleEndian.Uint32(header[8:12]))
	if indexPos < 0 || int(indexPos) >= windowCount {
		return nil, makeError(ErrFieldOutOfRange,
			fmt.Sprintf("index position %d out of range [0,%d)", indexPos, windowCount))
	}
	indexTimeUnix := int64(binary.LittleEndian.Uint64(header[12:20]))

	log.Debugf("addrstat: deserializing %d entries at index position %d", nAddr, indexPos)

	s := New(seeds)
	s.indexPos = int(indexPos)
	s.indexTime = time.Unix(indexTimeUnix, 0)

	dropped := 0
	for i := uint32(0); i < nAddr; i++ {
		var rec [16 + 4*windowCount]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, makeError(ErrTruncatedData, "reading entry: "+err.Error())
		}
		var addr [16]byte
		copy(addr[:], rec[:16])

		e := &entry{}
		for j := 0; j < windowCount; j++ {
			cell := int32(binary.LittleEndian.Uint32(rec[16+4*j : 16+4*j+4]))
			e.ring[j] = cell
			e.count += int64(cell)
		}
		if e.count > 0 {
			s.entries[addr] = e
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		log.Debugf("addrstat: dropped %d entry(ies) whose recomputed count was zero on load", dropped)
	}

	s.rebuildLocked()
	return s, nil
}
