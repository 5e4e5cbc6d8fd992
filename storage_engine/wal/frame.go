package wal

import "github.com/cespare/xxhash/v2"

// chainChecksum folds the previous frame's checksum in as a seed so that
// corrupting or truncating any frame invalidates every checksum after it,
// not just its own. fields is the page id + txn id header bytes; image is
// the page payload.
func chainChecksum(prev uint64, fields []byte, image []byte) uint64 {
	d := xxhash.New()
	var seed [8]byte
	putUint64(seed[:], prev)
	d.Write(seed[:])
	d.Write(fields)
	d.Write(image)
	return d.Sum64()
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
