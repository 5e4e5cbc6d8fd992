package btree

import "encoding/binary"

// EncodeRowID produces the big-endian 8-byte key used by table trees (keyed
// by rowid). Big-endian here — unlike the rest of Horizon's on-disk
// formats, which are little-endian per spec §6.2 — because rowid keys must
// sort as unsigned integers under plain byte comparison, which only
// big-endian gives you.
func EncodeRowID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// DecodeRowID reverses EncodeRowID.
func DecodeRowID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}

// Tuple element type tags, ordered so that the tag byte itself sorts
// correctly between differently-typed values in the same column position
// (Horizon does not need cross-type ordering guarantees beyond "nulls
// sort before integers before strings", so the tag assignment below is
// arbitrary but fixed).
const (
	tagNull   byte = 0x00
	tagInt    byte = 0x01
	tagString byte = 0x02
)

// EncodeTuple builds a composite, order-preserving key for an index tree
// from a sequence of column values (int64, string, or nil). Concatenating
// the per-column encodings and comparing the result byte-wise yields the
// same order as comparing the tuples column-by-column.
func EncodeTuple(values ...any) []byte {
	var out []byte
	for _, v := range values {
		out = append(out, encodeTupleElem(v)...)
	}
	return out
}

func encodeTupleElem(v any) []byte {
	switch x := v.(type) {
	case nil:
		return []byte{tagNull}
	case int64:
		return encodeOrderedInt(x)
	case int:
		return encodeOrderedInt(int64(x))
	case string:
		return encodeOrderedString(x)
	default:
		panic("btree: unsupported tuple element type")
	}
}

// encodeOrderedInt flips the sign bit so that two's-complement int64
// values compare correctly as unsigned big-endian bytes: negative numbers
// sort before positive ones.
func encodeOrderedInt(v int64) []byte {
	buf := make([]byte, 9)
	buf[0] = tagInt
	u := uint64(v) ^ (1 << 63)
	binary.BigEndian.PutUint64(buf[1:], u)
	return buf
}

// encodeOrderedString escapes 0x00 bytes as 0x00 0xFF and terminates with
// 0x00 0x00, the classic order-preserving encoding for variable-length
// byte strings within a larger concatenated key (so a short string sorts
// before any longer string it's a prefix of).
func encodeOrderedString(s string) []byte {
	out := make([]byte, 0, len(s)+3)
	out = append(out, tagString)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, s[i])
		}
	}
	out = append(out, 0x00, 0x00)
	return out
}
