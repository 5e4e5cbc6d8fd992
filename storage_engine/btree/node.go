// Package btree is Horizon's generic ordered map: a disk-resident B+Tree
// over variable-length byte keys and payloads, used both as the table
// storage (keyed by rowid) and as secondary indexes (keyed by a composite,
// order-preserving tuple encoding).
//
// Page layout is grounded in original_source/src/btree/mod.rs's doc
// comment (header/cell-pointer-array/cells-grow-from-the-end design),
// re-endianed to little-endian throughout per spec §6.2, and adapted to
// Horizon's bufferpool.Handle in place of the original's direct buffer
// borrowing.
package btree

import (
	"encoding/binary"

	"horizon/herrors"
	"horizon/storage_engine/pager"
)

const (
	pageTypeInternal byte = 0x01
	pageTypeLeaf     byte = 0x02

	headerSize  = 8
	cellPtrSize = 2

	offPageType = 0
	offFlags    = 1
	offCellCnt  = 2
	offSibling  = 4 // rightmost child (internal) or next-leaf (leaf)

	// overflowBit marks a leaf cell's stored value-size field as an
	// overflow pointer rather than an inline length.
	overflowBit uint32 = 1 << 31

	// inlineThreshold is the largest payload stored directly in a leaf
	// cell; anything bigger spills to an overflow chain. Roughly spec
	// §4.4's "≈ ¼ page".
	inlineThreshold = pager.PageSize / 4
)

func pageType(page *[pager.PageSize]byte) byte { return page[offPageType] }

func cellCount(page *[pager.PageSize]byte) uint16 {
	return binary.LittleEndian.Uint16(page[offCellCnt : offCellCnt+2])
}

func setCellCount(page *[pager.PageSize]byte, n uint16) {
	binary.LittleEndian.PutUint16(page[offCellCnt:offCellCnt+2], n)
}

func sibling(page *[pager.PageSize]byte) uint32 {
	return binary.LittleEndian.Uint32(page[offSibling : offSibling+4])
}

func setSibling(page *[pager.PageSize]byte, v uint32) {
	binary.LittleEndian.PutUint32(page[offSibling:offSibling+4], v)
}

func cellPtrOffset(i uint16) int { return headerSize + int(i)*cellPtrSize }

func cellPtr(page *[pager.PageSize]byte, i uint16) uint16 {
	o := cellPtrOffset(i)
	return binary.LittleEndian.Uint16(page[o : o+2])
}

func setCellPtr(page *[pager.PageSize]byte, i uint16, offset uint16) {
	o := cellPtrOffset(i)
	binary.LittleEndian.PutUint16(page[o:o+2], offset)
}

// cellAreaStart is the first byte after the pointer array for n cells.
func cellAreaStart(n uint16) int { return headerSize + int(n)*cellPtrSize }

// contentStart is the lowest offset currently occupied by a cell body
// (cells grow down from the end of the page), or PageSize if none yet.
func contentStart(page *[pager.PageSize]byte) int {
	n := cellCount(page)
	min := pager.PageSize
	for i := uint16(0); i < n; i++ {
		if off := int(cellPtr(page, i)); off < min {
			min = off
		}
	}
	return min
}

func initLeaf(page *[pager.PageSize]byte) {
	*page = [pager.PageSize]byte{}
	page[offPageType] = pageTypeLeaf
	setCellCount(page, 0)
	setSibling(page, uint32(pager.NullPage))
}

func initInternal(page *[pager.PageSize]byte) {
	*page = [pager.PageSize]byte{}
	page[offPageType] = pageTypeInternal
	setCellCount(page, 0)
	setSibling(page, uint32(pager.NullPage))
}

// --- internal cells: [child:4][key_size:2][key...] ---

func internalCellSize(key []byte) int { return 4 + 2 + len(key) }

func readInternalCell(page *[pager.PageSize]byte, off int) (pager.PageID, []byte) {
	child := binary.LittleEndian.Uint32(page[off : off+4])
	keySize := binary.LittleEndian.Uint16(page[off+4 : off+6])
	key := make([]byte, keySize)
	copy(key, page[off+6:off+6+int(keySize)])
	return pager.PageID(child), key
}

func buildInternalCell(child pager.PageID, key []byte) []byte {
	buf := make([]byte, internalCellSize(key))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(child))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(key)))
	copy(buf[6:], key)
	return buf
}

// --- leaf cells: [key_size:2][key...][value_size:4][value...] ---
// value_size's top bit set means value is an overflowRef, not inline bytes.

func leafCellSize(key []byte, valueLen int) int { return 2 + len(key) + 4 + valueLen }

func readLeafCellKey(page *[pager.PageSize]byte, off int) []byte {
	keySize := binary.LittleEndian.Uint16(page[off : off+2])
	key := make([]byte, keySize)
	copy(key, page[off+2:off+2+int(keySize)])
	return key
}

func readLeafCell(page *[pager.PageSize]byte, off int) (key []byte, valueSizeField uint32, valueOff int) {
	keySize := binary.LittleEndian.Uint16(page[off : off+2])
	key = make([]byte, keySize)
	copy(key, page[off+2:off+2+int(keySize)])
	vOff := off + 2 + int(keySize)
	valueSizeField = binary.LittleEndian.Uint32(page[vOff : vOff+4])
	return key, valueSizeField, vOff + 4
}

func buildLeafCell(key []byte, valueSizeField uint32, value []byte) []byte {
	buf := make([]byte, leafCellSize(key, len(value)))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	vOff := 2 + len(key)
	binary.LittleEndian.PutUint32(buf[vOff:vOff+4], valueSizeField)
	copy(buf[vOff+4:], value)
	return buf
}

// writeCell copies cellData into the next free region of the content area
// and inserts its pointer at slot, shifting later pointers up by one. It
// returns KindFull if the page has no room for the cell and its pointer.
func writeCell(page *[pager.PageSize]byte, slot uint16, cellData []byte) error {
	n := cellCount(page)
	start := contentStart(page)
	newStart := start - len(cellData)
	if newStart < cellAreaStart(n+1) {
		return herrors.New(herrors.KindFull, "node has no room for a %d-byte cell", len(cellData))
	}
	copy(page[newStart:start], cellData)

	for i := n; i > slot; i-- {
		setCellPtr(page, i, cellPtr(page, i-1))
	}
	setCellPtr(page, slot, uint16(newStart))
	setCellCount(page, n+1)
	return nil
}

// removeCell deletes the cell at slot, compacting the pointer array. The
// cell body bytes themselves are left as garbage; they are reclaimed the
// next time a split rewrites the page wholesale, which is the
// same trade-off the teacher's heap page format makes.
func removeCell(page *[pager.PageSize]byte, slot uint16) {
	n := cellCount(page)
	for i := slot; i < n-1; i++ {
		setCellPtr(page, i, cellPtr(page, i+1))
	}
	setCellCount(page, n-1)
}

func hasSpace(page *[pager.PageSize]byte, cellBytes int) bool {
	n := cellCount(page)
	free := contentStart(page) - cellAreaStart(n+1)
	return free >= cellBytes
}

// usedBytes approximates a node's fill for the half-full invariant: the
// cell pointer array plus every cell body.
func usedBytes(page *[pager.PageSize]byte) int {
	return pager.PageSize - contentStart(page) + cellAreaStart(cellCount(page))
}
