package btree

import (
	"encoding/binary"

	"horizon/storage_engine/bufferpool"
	"horizon/storage_engine/pager"
)

// FreeAll walks every page reachable from the tree's root — internal
// nodes, leaves, and any overflow chains leaves point at — and frees them
// all back to the pager. Used by DropTree, which spec §3's tree directory
// requires to reclaim a dropped tree's pages rather than leaking them.
func (t *Tree) FreeAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeSubtree(t.root)
}

func (t *Tree) freeSubtree(id pager.PageID) error {
	h, err := t.pool.Fetch(id, bufferpool.Read)
	if err != nil {
		return err
	}
	page := h.Data()

	if pageType(page) == pageTypeLeaf {
		n := cellCount(page)
		for i := uint16(0); i < n; i++ {
			off := int(cellPtr(page, i))
			_, sizeField, vOff := readLeafCell(page, off)
			if sizeField&overflowBit != 0 {
				head := pager.PageID(binary.LittleEndian.Uint32(page[vOff : vOff+4]))
				h.Unpin()
				if err := freeOverflow(t.pool, t.pager, head); err != nil {
					return err
				}
				h, err = t.pool.Fetch(id, bufferpool.Read)
				if err != nil {
					return err
				}
				page = h.Data()
			}
		}
		h.Unpin()
		return t.pager.FreePage(id)
	}

	n := cellCount(page)
	children := make([]pager.PageID, 0, n+1)
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		child, _ := readInternalCell(page, off)
		children = append(children, child)
	}
	children = append(children, pager.PageID(sibling(page)))
	h.Unpin()

	for _, child := range children {
		if err := t.freeSubtree(child); err != nil {
			return err
		}
	}
	return t.pager.FreePage(id)
}
