package mvcc

import (
	"encoding/binary"

	"horizon/herrors"
)

// RowVersion is one version of a row as stored inline in a table tree's
// leaf cell: a (xmin, xmax) pair bracketing the version's lifetime plus
// its payload bytes.
//
// Grounded in original_source/src/mvcc/mod.rs's RowVersion, re-endianed to
// little-endian per spec §6.2 (the original serializes big-endian; tree
// keys are the one place Horizon keeps big-endian, for sort order, and
// RowVersion payloads aren't keys).
type RowVersion struct {
	Xmin uint64 // creating transaction id
	Xmax uint64 // deleting transaction id, or 0 if live
	Data []byte
}

const rowVersionHeaderSize = 8 + 8 + 4

// Serialize encodes a RowVersion as [xmin:8 LE][xmax:8 LE][data_len:4 LE][data].
func (v RowVersion) Serialize() []byte {
	buf := make([]byte, rowVersionHeaderSize+len(v.Data))
	binary.LittleEndian.PutUint64(buf[0:8], v.Xmin)
	binary.LittleEndian.PutUint64(buf[8:16], v.Xmax)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(v.Data)))
	copy(buf[20:], v.Data)
	return buf
}

// DeserializeRowVersion reverses Serialize.
func DeserializeRowVersion(buf []byte) (RowVersion, error) {
	if len(buf) < rowVersionHeaderSize {
		return RowVersion{}, herrors.New(herrors.KindCorrupt, "row version: buffer too short (%d bytes)", len(buf))
	}
	dataLen := binary.LittleEndian.Uint32(buf[16:20])
	if uint64(rowVersionHeaderSize)+uint64(dataLen) > uint64(len(buf)) {
		return RowVersion{}, herrors.New(herrors.KindCorrupt, "row version: declared length %d exceeds buffer", dataLen)
	}
	data := make([]byte, dataLen)
	copy(data, buf[rowVersionHeaderSize:rowVersionHeaderSize+int(dataLen)])
	return RowVersion{
		Xmin: binary.LittleEndian.Uint64(buf[0:8]),
		Xmax: binary.LittleEndian.Uint64(buf[8:16]),
		Data: data,
	}, nil
}

// CheckWriteConflict implements first-writer-wins against a chain's head
// version. Two cases lose to an earlier writer:
//
//   - the head was already superseded (Xmax set) by someone other than txn
//     itself, and that someone hasn't aborted — txn is trying to overwrite
//     a delete/update that got there first;
//   - the head is still live (Xmax == 0) but was created by a transaction
//     other than txn that is still active — txn is racing that transaction's
//     still-in-flight insert or update of the same row.
//
// A head created or superseded by txn itself, or by a transaction that has
// since aborted, is not a conflict.
func CheckWriteConflict(v RowVersion, txn *Txn, state func(uint64) State) error {
	if v.Xmax != 0 && v.Xmax != txn.ID && state(v.Xmax) != Aborted {
		return herrors.New(herrors.KindWriteConflict, "row already modified by txn %d", v.Xmax)
	}
	if v.Xmax == 0 && v.Xmin != txn.ID && state(v.Xmin) == Active {
		return herrors.New(herrors.KindWriteConflict, "row created by in-progress txn %d", v.Xmin)
	}
	return nil
}
