// Copyright (c) 2025 The Schnibble developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"
)

// addrRecordSize is the encoded size, in bytes, of one AddrInfo record:
// a 30-byte Endpoint (u32 time, u64 services, 16-byte IP, u16 port)
// followed by a 16-byte source IP, an i64 lastSuccess, and an i32
// attempts.
const addrRecordSize = 30 + 16 + 8 + 4

// writeAddrRecord encodes one AddrInfo record.
func writeAddrRecord(w io.Writer, info *addrInfo) error {
	var buf [addrRecordSize]byte

	binary.LittleEndian.PutUint32(buf[0:4], uint32(info.endpoint.Time.Unix()))
	binary.LittleEndian.PutUint64(buf[4:12], info.endpoint.Services)
	copy(buf[12:28], info.endpoint.IP.To16())
	binary.LittleEndian.PutUint16(buf[28:30], info.endpoint.Port)

	copy(buf[30:46], info.source.IP.To16())
	binary.LittleEndian.PutUint64(buf[46:54], uint64(info.lastSuccess.Unix()))
	binary.LittleEndian.PutUint32(buf[54:58], uint32(int32(info.attempts)))

	_, err := w.Write(buf[:])
	if err != nil {
		return makeError(ErrIO, "writing addr record: "+err.Error())
	}
	return nil
}

// decodedAddrRecord is the in-memory form of one decoded AddrInfo record,
// before it has been assigned an id or placed in any index.
type decodedAddrRecord struct {
	endpoint    Endpoint
	sourceIP    net.IP
	lastSuccess time.Time
	attempts    int
}

// readAddrRecord decodes one AddrInfo record.
func readAddrRecord(r io.Reader) (decodedAddrRecord, error) {
	var buf [addrRecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return decodedAddrRecord{}, makeError(ErrTruncatedData, "reading addr record: "+err.Error())
	}

	ts := time.Unix(int64(binary.LittleEndian.Uint32(buf[0:4])), 0)
	services := binary.LittleEndian.Uint64(buf[4:12])
	ip := make(net.IP, 16)
	copy(ip, buf[12:28])
	port := binary.LittleEndian.Uint16(buf[28:30])

	srcIP := make(net.IP, 16)
	copy(srcIP, buf[30:46])
	lastSuccess := time.Unix(int64(binary.LittleEndian.Uint64(buf[46:54])), 0)
	attempts := int(int32(binary.LittleEndian.Uint32(buf[54:58])))

	return decodedAddrRecord{
		endpoint:    NewEndpoint(ip, port, services, ts),
		sourceIP:    srcIP,
		lastSuccess: lastSuccess,
		attempts:    attempts,
	}, nil
}

// Serialize writes the manager's full state to w: a version byte, the
// secret key, entry counts, the new bucket count in effect (so a future
// build with a different constant can detect and recompute), every
// new-tier record, every tried-tier record, and finally each new bucket's
// membership list by record index.
//
// The caller is expected to take this snapshot while no concurrent
// mutator is running; Serialize itself holds the manager's lock for the
// duration so the bytes it produces are always self-consistent.
func (a *AddrManager) Serialize(w io.Writer) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	var header [1 + 32 + 4 + 4 + 4]byte
	header[0] = serializationVersion
	copy(header[1:33], a.key[:])
	binary.LittleEndian.PutUint32(header[33:37], uint32(a.nNew))
	binary.LittleEndian.PutUint32(header[37:41], uint32(a.nTried))
	binary.LittleEndian.PutUint32(header[41:45], uint32(newBucketCount))
	if _, err := w.Write(header[:]); err != nil {
		return makeError(ErrIO, "writing header: "+err.Error())
	}

	// Assign each record a 0-based index in write order: new records
	// first, then tried records. recordIndex lets the bucket-membership
	// pass below translate an internal id into that on-disk index.
	recordIndex := make(map[int64]uint32, len(a.infoByID))

	idx := uint32(0)
	for _, id := range a.randomVec {
		info := a.infoByID[id]
		if info.inTried {
			continue
		}
		recordIndex[id] = idx
		idx++
		if err := writeAddrRecord(w, info); err != nil {
			return err
		}
	}
	for _, id := range a.randomVec {
		info := a.infoByID[id]
		if !info.inTried {
			continue
		}
		recordIndex[id] = idx
		idx++
		if err := writeAddrRecord(w, info); err != nil {
			return err
		}
	}

	for b := range a.newBuckets {
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(a.newBuckets[b])))
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return makeError(ErrIO, "writing bucket size: "+err.Error())
		}
		for id := range a.newBuckets[b] {
			var entryBuf [4]byte
			binary.LittleEndian.PutUint32(entryBuf[:], recordIndex[id])
			if _, err := w.Write(entryBuf[:]); err != nil {
				return makeError(ErrIO, "writing bucket entry: "+err.Error())
			}
		}
	}

	return nil
}

// Deserialize reads a manager snapshot written by Serialize from r and
// returns a fresh AddrManager reconstructed from it.
//
// Deserialization is lenient: an unrecognized version or a truncated
// stream is a DeserializationError; a field out of range (an
// out-of-bounds record index) is likewise rejected. If the stream's
// recorded new-bucket count differs from this build's newBucketCount, the
// persisted bucket assignments are discarded entirely and every new-tier
// entry is reinserted into a freshly computed bucket with refCount reset
// to 1. Tried records whose target bucket is already full at reload time
// are silently dropped, and nTried is adjusted down to match.
func Deserialize(r io.Reader) (*AddrManager, error) {
	var header [1 + 32 + 4 + 4 + 4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, makeError(ErrTruncatedData, "reading header: "+err.Error())
	}

	if header[0] != serializationVersion {
		return nil, makeError(ErrUnknownVersion,
			fmt.Sprintf("unknown addrmgr serialization version %d", header[0]))
	}

	a := &AddrManager{
		infoByID: make(map[int64]*addrInfo),
		idByAddr: make(map[string]int64),
	}
	copy(a.key[:], header[1:33])

	var seedBuf [8]byte
	if _, err := io.ReadFull(crand.Reader, seedBuf[:]); err != nil {
		return nil, makeError(ErrIO, "seeding prng: "+err.Error())
	}
	seed := int64(binary.LittleEndian.Uint64(seedBuf[:]))
	a.rand = rand.New(rand.NewSource(seed))

	for i := range a.newBuckets {
		a.newBuckets[i] = make(map[int64]struct{})
	}

	nNewOnDisk := binary.LittleEndian.Uint32(header[33:37])
	nTriedOnDisk := binary.LittleEndian.Uint32(header[37:41])
	bucketCountAtWrite := binary.LittleEndian.Uint32(header[41:45])

	newRecords := make([]decodedAddrRecord, nNewOnDisk)
	for i := range newRecords {
		rec, err := readAddrRecord(r)
		if err != nil {
			return nil, err
		}
		newRecords[i] = rec
	}

	newIDs := make([]int64, nNewOnDisk)
	for i, rec := range newRecords {
		info := &addrInfo{
			endpoint: rec.endpoint,
			source:   NewEndpoint(rec.sourceIP, 0, 0, rec.endpoint.Time),
		}
		id := a.nextID
		a.nextID++
		a.infoByID[id] = info
		a.idByAddr[info.endpoint.Key()] = id
		a.appendRandom(id, info)
		newIDs[i] = id
	}

	triedRecords := make([]decodedAddrRecord, nTriedOnDisk)
	for i := range triedRecords {
		rec, err := readAddrRecord(r)
		if err != nil {
			return nil, err
		}
		triedRecords[i] = rec
	}

	recompute := bucketCountAtWrite != newBucketCount

	if !recompute {
		for b := 0; b < int(bucketCountAtWrite); b++ {
			var sizeBuf [4]byte
			if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
				return nil, makeError(ErrTruncatedData, "reading bucket size: "+err.Error())
			}
			size := binary.LittleEndian.Uint32(sizeBuf[:])
			for i := uint32(0); i < size; i++ {
				var entryBuf [4]byte
				if _, err := io.ReadFull(r, entryBuf[:]); err != nil {
					return nil, makeError(ErrTruncatedData, "reading bucket entry: "+err.Error())
				}
				recIdx := binary.LittleEndian.Uint32(entryBuf[:])
				if recIdx >= nNewOnDisk {
					return nil, makeError(ErrFieldOutOfRange,
						fmt.Sprintf("bucket %d references out-of-range record %d", b, recIdx))
				}
				id := newIDs[recIdx]
				info := a.infoByID[id]
				if info.refCount >= newBucketsPerAddress {
					continue
				}
				if _, already := a.newBuckets[b][id]; already {
					continue
				}
				a.newBuckets[b][id] = struct{}{}
				info.refCount++
			}
		}
	} else {
		// Parameters changed: skip over whatever bucket-membership data
		// is present (it is no longer meaningful) and recompute from
		// scratch, resetting every new entry's multiplicity to 1.
		for b := 0; b < int(bucketCountAtWrite); b++ {
			var sizeBuf [4]byte
			if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
				return nil, makeError(ErrTruncatedData, "reading bucket size: "+err.Error())
			}
			size := binary.LittleEndian.Uint32(sizeBuf[:])
			skip := make([]byte, 4*size)
			if _, err := io.ReadFull(r, skip); err != nil {
				return nil, makeError(ErrTruncatedData, "reading bucket entries: "+err.Error())
			}
		}
		for _, id := range newIDs {
			info := a.infoByID[id]
			if info == nil {
				// Already evicted by an earlier shrinkNew call this pass.
				continue
			}
			b := newBucket(a.key, info.endpoint, info.source)
			if len(a.newBuckets[b]) >= newBucketSize {
				a.shrinkNew(b)
			}
			a.newBuckets[b][id] = struct{}{}
			info.refCount = 1
		}
		// shrinkNew above decremented nNew for each bucket-collision
		// eviction even though none of these entries has been counted
		// into nNew yet; the loop below recomputes nNew from scratch for
		// every surviving entry, so undo that here rather than track the
		// offset through two separate passes.
		a.nNew = 0
	}

	// Drop any new entry that ended up referenced by no bucket at all
	// (refCount==0): the format only ever creates new entries as bucket
	// members, so this can only happen from deliberately malformed input.
	// An entry already evicted by shrinkNew above is no longer present in
	// infoByID at all; treat it the same as a dropped entry.
	for i, id := range newIDs {
		info := a.infoByID[id]
		if info == nil {
			newIDs[i] = -1
			continue
		}
		if info.refCount == 0 {
			a.deleteEntry(id, info)
			newIDs[i] = -1
			continue
		}
		a.nNew++
	}

	lost := 0
	for _, rec := range triedRecords {
		bucket := triedBucket(a.key, rec.endpoint)
		if len(a.triedBuckets[bucket]) >= triedBucketSize {
			lost++
			continue
		}
		info := &addrInfo{
			endpoint:    rec.endpoint,
			source:      NewEndpoint(rec.sourceIP, 0, 0, rec.endpoint.Time),
			lastSuccess: rec.lastSuccess,
			lastTry:     rec.lastSuccess,
			attempts:    rec.attempts,
			inTried:     true,
		}
		id := a.nextID
		a.nextID++
		a.infoByID[id] = info
		a.idByAddr[info.endpoint.Key()] = id
		a.appendRandom(id, info)
		a.triedBuckets[bucket] = append(a.triedBuckets[bucket], id)
		a.nTried++
	}
	if lost > 0 {
		log.Warnf("addrmgr: dropped %d tried record(s) whose bucket was full on reload", lost)
	}

	return a, nil
}
