package fsm

import (
	"crypto/sha256"
	"encoding/binary"
)

// checksumState computes the deterministic self-checksum of a state: every
// attribute except the checksum field itself, serialized explicitly in a
// fixed order (id, hook/final/locked flags, version, timestamp, then the
// length-prefixed name) with fixed-width little-endian encoding, then hashed and
// truncated to 32 bits. Hook presence is encoded as a single byte flag since
// function values cannot be serialized — per spec.md §9, implementers must
// serialize explicitly rather than hash raw memory, and a callable's
// identity is not part of the state's observable attribute set beyond
// "present or absent".
func checksumState(name string, id uint32, hasOnEnter, hasOnExit, isFinal, isLocked bool, version uint64, lastModifiedUnixNano int64) uint32 {
	buf := make([]byte, 0, 64+len(name))

	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], id)
	buf = append(buf, idBuf[:]...)

	buf = append(buf, boolByte(hasOnEnter), boolByte(hasOnExit), boolByte(isFinal), boolByte(isLocked))

	var verBuf [8]byte
	binary.LittleEndian.PutUint64(verBuf[:], version)
	buf = append(buf, verBuf[:]...)

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(lastModifiedUnixNano))
	buf = append(buf, tsBuf[:]...)

	var nameLen [4]byte
	binary.LittleEndian.PutUint32(nameLen[:], uint32(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)

	sum := sha256.Sum256(buf)
	return binary.LittleEndian.Uint32(sum[:4])
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// checksumTransition computes a transition's self-checksum over its
// immutable identity and mutable validity flag, following the same
// explicit-serialization rule as checksumState.
func checksumTransition(name string, fromID, toID uint32, hasAction, hasGuard, isValid bool) uint32 {
	buf := make([]byte, 0, 32+len(name))

	var fromBuf, toBuf [4]byte
	binary.LittleEndian.PutUint32(fromBuf[:], fromID)
	binary.LittleEndian.PutUint32(toBuf[:], toID)
	buf = append(buf, fromBuf[:]...)
	buf = append(buf, toBuf[:]...)
	buf = append(buf, boolByte(hasAction), boolByte(hasGuard), boolByte(isValid))

	var nameLen [4]byte
	binary.LittleEndian.PutUint32(nameLen[:], uint32(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)

	sum := sha256.Sum256(buf)
	return binary.LittleEndian.Uint32(sum[:4])
}
