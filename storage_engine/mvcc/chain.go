package mvcc

import (
	"encoding/binary"

	"horizon/herrors"
)

// A row's on-disk value is a version chain: RowVersions in newest-first
// order, each framed by a 4-byte LE length prefix. An UPDATE prepends a
// fresh version (Xmin = writer, Xmax = 0) after stamping the previous head
// with Xmax = writer; a DELETE just stamps the head's Xmax without adding
// a new entry. This is what lets a reader on an older snapshot still see
// the value a concurrent writer has since replaced, instead of only ever
// seeing "whatever's currently there" (read-committed) — the gap a single
// physical row per key can't close on its own.

// EncodeChain serializes versions (newest first) into one leaf value.
func EncodeChain(versions []RowVersion) []byte {
	var out []byte
	for _, v := range versions {
		body := v.Serialize()
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
		out = append(out, lenBuf[:]...)
		out = append(out, body...)
	}
	return out
}

// DecodeChain reverses EncodeChain.
func DecodeChain(buf []byte) ([]RowVersion, error) {
	var versions []RowVersion
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, herrors.New(herrors.KindCorrupt, "version chain: truncated length prefix")
		}
		n := binary.LittleEndian.Uint32(buf[:4])
		buf = buf[4:]
		if uint64(n) > uint64(len(buf)) {
			return nil, herrors.New(herrors.KindCorrupt, "version chain: declared length %d exceeds buffer", n)
		}
		v, err := DeserializeRowVersion(buf[:n])
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
		buf = buf[n:]
	}
	return versions, nil
}

// FindVisible returns the newest version in chain (newest-first) visible
// to txn, if any.
func FindVisible(chain []RowVersion, txn *Txn, isCommitted func(uint64) bool) (RowVersion, bool) {
	for _, v := range chain {
		if Visible(v, txn, isCommitted) {
			return v, true
		}
	}
	return RowVersion{}, false
}

// HeadWriteConflict checks first-writer-wins against the chain's current
// head (the newest version) — the only version a concurrent writer can
// conflict on.
func HeadWriteConflict(chain []RowVersion, txn *Txn, state func(uint64) State) error {
	if len(chain) == 0 {
		return nil
	}
	return CheckWriteConflict(chain[0], txn, state)
}

// TrimChain drops versions no active snapshot can still need: every
// version older than the newest one visible to the oldest active
// snapshot (identified by minTS, see Manager.MinActiveSnapshotTS) is dead
// weight, since no present or future reader's horizon falls before it.
func TrimChain(chain []RowVersion, minTS uint64, isCommitted func(uint64) bool) []RowVersion {
	keepFrom := len(chain)
	for i, v := range chain {
		if v.Xmin < minTS && isCommitted(v.Xmin) {
			keepFrom = i
			break
		}
	}
	if keepFrom >= len(chain) {
		return chain
	}
	return chain[:keepFrom+1]
}
