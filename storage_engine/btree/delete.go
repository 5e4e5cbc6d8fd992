package btree

import (
	"bytes"
	"encoding/binary"

	"horizon/storage_engine/bufferpool"
	"horizon/storage_engine/pager"
)

// minFillBytes is the half-full threshold used for the rebalancing
// decision in spec §4.4 invariant 2: "at least half full... in bytes".
const minFillBytes = pager.PageSize / 2

// Delete removes the cell stored under key, rebalancing the tree (borrow
// from a sibling, or merge) on the way back up if a node falls below half
// full. It reports whether key was present.
func (t *Tree) Delete(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(key)
}

// DeleteAs is Delete, tagging the write with txnID. See InsertAs for why
// tagging and the operation must happen as one atomic step under t.mu
// when the Tree is shared across callers.
func (t *Tree) DeleteAs(txnID uint64, key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txnID = txnID
	return t.deleteLocked(key)
}

func (t *Tree) deleteLocked(key []byte) (bool, error) {
	h, err := t.pool.Fetch(t.root, bufferpool.Write)
	if err != nil {
		return false, err
	}
	removed, _, err := t.deleteRecursive(h, t.root, key)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	if err := t.collapseRootIfNeeded(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tree) collapseRootIfNeeded() error {
	h, err := t.pool.Fetch(t.root, bufferpool.Read)
	if err != nil {
		return err
	}
	page := h.Data()
	if pageType(page) != pageTypeInternal || cellCount(page) != 0 {
		h.Unpin()
		return nil
	}
	onlyChild := pager.PageID(sibling(page))
	oldRoot := t.root
	h.Unpin()

	t.root = onlyChild
	return t.pager.FreePage(oldRoot)
}

// deleteRecursive returns (removed, underflow, err): whether key was
// found and removed somewhere below id, and whether id itself is now
// under the half-full threshold (meaningless/ignored for the root). h is
// id's page, already fetched and write-latched by the caller; deleteRecursive
// takes ownership of h and unpins it before returning.
func (t *Tree) deleteRecursive(h *bufferpool.Handle, id pager.PageID, key []byte) (bool, bool, error) {
	page := h.Data()

	if pageType(page) == pageTypeLeaf {
		removed := false
		n := cellCount(page)
		for i := uint16(0); i < n; i++ {
			off := int(cellPtr(page, i))
			if bytes.Equal(readLeafCellKey(page, off), key) {
				_, sizeField, vOff := readLeafCell(page, off)
				if sizeField&overflowBit != 0 {
					head := pager.PageID(binary.LittleEndian.Uint32(page[vOff : vOff+4]))
					if ferr := freeOverflow(t.pool, t.pager, head); ferr != nil {
						h.Unpin()
						return false, false, ferr
					}
				}
				removeCell(page, i)
				removed = true
				break
			}
		}
		underflow := removed && usedBytes(page) < minFillBytes
		var err error
		if removed {
			err = h.MarkDirty(t.txnID)
		}
		h.Unpin()
		return removed, underflow, err
	}

	slot, child := t.childSlotFor(page, key)

	// Lock coupling: latch the child before releasing the parent, so no
	// other descent can observe the parent unlatched with the child not
	// yet latched by someone.
	childH, err := t.pool.Fetch(child, bufferpool.Write)
	if err != nil {
		h.Unpin()
		return false, false, err
	}
	h.Unpin()

	removed, childUnderflow, err := t.deleteRecursive(childH, child, key)
	if err != nil || !removed {
		return removed, false, err
	}
	if !childUnderflow {
		return true, false, nil
	}

	h, err = t.pool.Fetch(id, bufferpool.Write)
	if err != nil {
		return true, false, err
	}
	defer h.Unpin()
	underflow, err := t.rebalanceChild(h, slot, child)
	return true, underflow, err
}

// childSlotFor is internalChildFor plus the positional index of the
// returned child among this node's n+1 children (0..n, where n is the
// rightmost/no-separator slot).
func (t *Tree) childSlotFor(page *[pager.PageSize]byte, key []byte) (uint16, pager.PageID) {
	n := cellCount(page)
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		c, sepKey := readInternalCell(page, off)
		if bytes.Compare(key, sepKey) < 0 {
			return i, c
		}
	}
	return n, pager.PageID(sibling(page))
}

// childIDAt returns the child pointer at positional index idx (0..n).
func childIDAt(page *[pager.PageSize]byte, idx uint16) pager.PageID {
	n := cellCount(page)
	if idx == n {
		return pager.PageID(sibling(page))
	}
	off := int(cellPtr(page, idx))
	c, _ := readInternalCell(page, off)
	return c
}

// rebalanceChild fixes an underflowed child at positional index slot:
// borrow a cell from a sibling if one has room to spare, else merge with
// a sibling (freeing the page that's merged away and removing one
// separator from the parent). Returns whether the parent itself is now
// underflowed.
func (t *Tree) rebalanceChild(parentH *bufferpool.Handle, slot uint16, childID pager.PageID) (bool, error) {
	parent := parentH.Data()
	n := cellCount(parent)

	if slot > 0 {
		leftID := childIDAt(parent, slot-1)
		ok, err := t.tryBorrowFromLeft(parentH, slot-1, leftID, childID)
		if err != nil || ok {
			return false, err
		}
	}
	if slot < n {
		rightID := childIDAt(parent, slot+1)
		ok, err := t.tryBorrowFromRight(parentH, slot, childID, rightID)
		if err != nil || ok {
			return false, err
		}
	}

	// No sibling has a spare cell: merge. Prefer merging with the left
	// sibling (child absorbed into left) when one exists, else with the
	// right (right absorbed into child).
	if slot > 0 {
		leftID := childIDAt(parent, slot-1)
		if err := t.mergeChildren(parentH, slot-1, leftID, childID); err != nil {
			return false, err
		}
	} else {
		rightID := childIDAt(parent, slot+1)
		if err := t.mergeChildren(parentH, slot, childID, rightID); err != nil {
			return false, err
		}
	}
	return usedBytes(parentH.Data()) < minFillBytes, nil
}

// tryBorrowFromLeft moves left's last cell into child's front (leaf case)
// or rotates the parent separator through left/child (internal case),
// provided left has a cell to spare without itself underflowing.
func (t *Tree) tryBorrowFromLeft(parentH *bufferpool.Handle, sepIdx uint16, leftID, childID pager.PageID) (bool, error) {
	leftH, err := t.pool.Fetch(leftID, bufferpool.Write)
	if err != nil {
		return false, err
	}
	defer leftH.Unpin()
	childH, err := t.pool.Fetch(childID, bufferpool.Write)
	if err != nil {
		return false, err
	}
	defer childH.Unpin()

	leftPage, childPage := leftH.Data(), childH.Data()
	if usedBytes(leftPage)-averageCellBytes(leftPage) < minFillBytes {
		return false, nil // left has nothing to spare
	}
	parent := parentH.Data()
	lastIdx := cellCount(leftPage) - 1

	if pageType(childPage) == pageTypeLeaf {
		lastOff := int(cellPtr(leftPage, lastIdx))
		movedCell := extractCell(leftPage, lastOff, leafCellLen(leftPage, lastOff))
		removeCell(leftPage, lastIdx)
		if err := writeCell(childPage, 0, movedCell); err != nil {
			return false, err
		}
		newSep := readLeafCellKey(childPage, int(cellPtr(childPage, 0)))
		replaceSeparator(parent, sepIdx, newSep)
	} else {
		lastOff := int(cellPtr(leftPage, lastIdx))
		newLeftRightmost, promotedKey := readInternalCell(leftPage, lastOff)
		borrowedChild := pager.PageID(sibling(leftPage))
		removeCell(leftPage, lastIdx)
		setSibling(leftPage, uint32(newLeftRightmost))

		demotedKey := readSeparatorKey(parent, sepIdx)
		if err := writeCell(childPage, 0, buildInternalCell(borrowedChild, demotedKey)); err != nil {
			return false, err
		}
		replaceSeparator(parent, sepIdx, promotedKey)
	}

	if err := leftH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	if err := childH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	if err := parentH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	return true, nil
}

// tryBorrowFromRight is tryBorrowFromLeft's mirror image.
func (t *Tree) tryBorrowFromRight(parentH *bufferpool.Handle, sepIdx uint16, childID, rightID pager.PageID) (bool, error) {
	childH, err := t.pool.Fetch(childID, bufferpool.Write)
	if err != nil {
		return false, err
	}
	defer childH.Unpin()
	rightH, err := t.pool.Fetch(rightID, bufferpool.Write)
	if err != nil {
		return false, err
	}
	defer rightH.Unpin()

	childPage, rightPage := childH.Data(), rightH.Data()
	if usedBytes(rightPage)-averageCellBytes(rightPage) < minFillBytes {
		return false, nil
	}
	parent := parentH.Data()

	if pageType(childPage) == pageTypeLeaf {
		firstOff := int(cellPtr(rightPage, 0))
		movedCell := extractCell(rightPage, firstOff, leafCellLen(rightPage, firstOff))
		removeCell(rightPage, 0)
		if err := writeCell(childPage, cellCount(childPage), movedCell); err != nil {
			return false, err
		}
		newSep := readLeafCellKey(rightPage, int(cellPtr(rightPage, 0)))
		replaceSeparator(parent, sepIdx, newSep)
	} else {
		firstOff := int(cellPtr(rightPage, 0))
		borrowedChild, promotedKey := readInternalCell(rightPage, firstOff)
		demotedKey := readSeparatorKey(parent, sepIdx)
		removeCell(rightPage, 0)

		lastCell := buildInternalCell(pager.PageID(sibling(childPage)), demotedKey)
		if err := writeCell(childPage, cellCount(childPage), lastCell); err != nil {
			return false, err
		}
		setSibling(childPage, uint32(borrowedChild))
		replaceSeparator(parent, sepIdx, promotedKey)
	}

	if err := childH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	if err := rightH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	if err := parentH.MarkDirty(t.txnID); err != nil {
		return false, err
	}
	return true, nil
}

// mergeChildren absorbs right into left (both children of parent at
// adjacent positions, separated by sepIdx) and removes the separator cell
// from parent. The right page is freed.
func (t *Tree) mergeChildren(parentH *bufferpool.Handle, sepIdx uint16, leftID, rightID pager.PageID) error {
	leftH, err := t.pool.Fetch(leftID, bufferpool.Write)
	if err != nil {
		return err
	}
	defer leftH.Unpin()
	rightH, err := t.pool.Fetch(rightID, bufferpool.Write)
	if err != nil {
		return err
	}

	leftPage, rightPage := leftH.Data(), rightH.Data()
	parent := parentH.Data()

	if pageType(leftPage) == pageTypeLeaf {
		n := cellCount(rightPage)
		for i := uint16(0); i < n; i++ {
			off := int(cellPtr(rightPage, i))
			cell := extractCell(rightPage, off, leafCellLen(rightPage, off))
			if err := writeCell(leftPage, cellCount(leftPage), cell); err != nil {
				rightH.Unpin()
				return err
			}
		}
		setSibling(leftPage, sibling(rightPage))
	} else {
		sep := readSeparatorKey(parent, sepIdx)
		demoted := buildInternalCell(pager.PageID(sibling(leftPage)), sep)
		if err := writeCell(leftPage, cellCount(leftPage), demoted); err != nil {
			rightH.Unpin()
			return err
		}
		n := cellCount(rightPage)
		for i := uint16(0); i < n; i++ {
			off := int(cellPtr(rightPage, i))
			c, k := readInternalCell(rightPage, off)
			if err := writeCell(leftPage, cellCount(leftPage), buildInternalCell(c, k)); err != nil {
				rightH.Unpin()
				return err
			}
		}
		setSibling(leftPage, sibling(rightPage))
	}

	removeCell(parent, sepIdx)

	rightH.Unpin()
	if err := t.pager.FreePage(rightID); err != nil {
		return err
	}
	if err := leftH.MarkDirty(t.txnID); err != nil {
		return err
	}
	return parentH.MarkDirty(t.txnID)
}

// --- small shared helpers for delete/rebalance ---

func leafCellLen(page *[pager.PageSize]byte, off int) int {
	_, sizeField, vOff := readLeafCell(page, off)
	if sizeField&overflowBit != 0 {
		return vOff + 8 - off
	}
	return vOff + int(sizeField) - off
}

func extractCell(page *[pager.PageSize]byte, off, length int) []byte {
	out := make([]byte, length)
	copy(out, page[off:off+length])
	return out
}

func readSeparatorKey(page *[pager.PageSize]byte, idx uint16) []byte {
	off := int(cellPtr(page, idx))
	_, key := readInternalCell(page, off)
	return key
}

func replaceSeparator(page *[pager.PageSize]byte, idx uint16, newKey []byte) {
	off := int(cellPtr(page, idx))
	child, _ := readInternalCell(page, off)
	removeCell(page, idx)
	cell := buildInternalCell(child, newKey)
	_ = writeCell(page, idx, cell)
}

// averageCellBytes estimates the size of one cell, used to decide whether
// a sibling has enough slack to lend one without itself underflowing.
func averageCellBytes(page *[pager.PageSize]byte) int {
	n := cellCount(page)
	if n == 0 {
		return 0
	}
	return (pager.PageSize - contentStart(page)) / int(n)
}
