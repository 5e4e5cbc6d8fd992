package btree

import (
	"bytes"
	"encoding/binary"
	"sync"

	"horizon/storage_engine/bufferpool"
	"horizon/storage_engine/pager"
)

// Entry is one (key, payload) pair as returned by Scan.
type Entry struct {
	Key     []byte
	Payload []byte
}

// Tree is a B+Tree rooted at a page id. Table trees are keyed by an
// 8-byte big-endian rowid; index trees are keyed by a composite,
// order-preserving tuple encoding (see keycodec.go). Either way keys
// compare lexicographically as raw bytes.
type Tree struct {
	mu    sync.Mutex
	pool  *bufferpool.Pool
	pager *pager.Pager
	root  pager.PageID
	// txnID tags every MarkDirty call this Tree makes, so WAL frames
	// record the transaction that owns the write. Defaults to 0 (no
	// owning transaction) for callers, such as tests, that don't need
	// those writes to survive crash recovery before an explicit commit.
	txnID uint64
}

// Create allocates a fresh, empty leaf page and returns a Tree rooted
// there.
func Create(pool *bufferpool.Pool, p *pager.Pager) (*Tree, error) {
	h, err := pool.NewPage()
	if err != nil {
		return nil, err
	}
	initLeaf(h.Data())
	err = h.MarkDirty(0)
	h.Unpin()
	if err != nil {
		return nil, err
	}
	return &Tree{pool: pool, pager: p, root: h.ID()}, nil
}

// Open wraps an existing root page as a Tree.
func Open(pool *bufferpool.Pool, p *pager.Pager, root pager.PageID) *Tree {
	return &Tree{pool: pool, pager: p, root: root}
}

// WithTxnID attaches the id of the transaction whose writes will flow
// through this Tree handle and returns the same Tree for chaining at the
// call site (t := Open(pool, p, root).WithTxnID(txn.ID)).
func (t *Tree) WithTxnID(id uint64) *Tree {
	t.txnID = id
	return t
}

// TxnID returns the transaction id this Tree handle's writes are
// attributed to.
func (t *Tree) TxnID() uint64 {
	return t.txnID
}

// Root returns the tree's current root page id. Callers persisting a tree
// id -> root mapping (the tree directory) must re-read this after any
// mutating call, since splits and root-collapse can change it.
func (t *Tree) Root() pager.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Search descends from the root and returns the payload stored under key,
// if present. Each node's cells are scanned in order (a linear search, not
// a binary search) to pick the child or the matching leaf cell.
func (t *Tree) Search(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	id := t.root
	t.mu.Unlock()

	for {
		h, err := t.pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return nil, false, err
		}
		page := h.Data()
		if pageType(page) == pageTypeLeaf {
			payload, found, err := t.searchLeaf(page, key)
			h.Unpin()
			return payload, found, err
		}
		child := t.internalChildFor(page, key)
		h.Unpin()
		id = child
	}
}

func (t *Tree) searchLeaf(page *[pager.PageSize]byte, key []byte) ([]byte, bool, error) {
	n := cellCount(page)
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		k, sizeField, vOff := readLeafCell(page, off)
		if bytes.Equal(k, key) {
			payload, err := t.materializeValue(page, sizeField, vOff)
			return payload, true, err
		}
	}
	return nil, false, nil
}

func (t *Tree) materializeValue(page *[pager.PageSize]byte, sizeField uint32, vOff int) ([]byte, error) {
	if sizeField&overflowBit != 0 {
		head := pager.PageID(binary.LittleEndian.Uint32(page[vOff : vOff+4]))
		totalLen := binary.LittleEndian.Uint32(page[vOff+4 : vOff+8])
		return readOverflow(t.pool, head, totalLen)
	}
	out := make([]byte, sizeField)
	copy(out, page[vOff:vOff+int(sizeField)])
	return out, nil
}

// internalChildFor finds the child page id to descend into for key: the
// child of the smallest separator that is > key, or the rightmost child
// if key is >= every separator.
func (t *Tree) internalChildFor(page *[pager.PageSize]byte, key []byte) pager.PageID {
	n := cellCount(page)
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		child, sepKey := readInternalCell(page, off)
		if bytes.Compare(key, sepKey) < 0 {
			return child
		}
	}
	return pager.PageID(sibling(page))
}

// Count walks the leaf chain summing cell counts without deserializing any
// payload.
func (t *Tree) Count() (uint64, error) {
	id, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	var total uint64
	for id != pager.NullPage {
		h, err := t.pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return 0, err
		}
		page := h.Data()
		total += uint64(cellCount(page))
		next := pager.PageID(sibling(page))
		h.Unpin()
		id = next
	}
	return total, nil
}

func (t *Tree) leftmostLeaf() (pager.PageID, error) {
	t.mu.Lock()
	id := t.root
	t.mu.Unlock()

	for {
		h, err := t.pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return pager.NullPage, err
		}
		page := h.Data()
		if pageType(page) == pageTypeLeaf {
			h.Unpin()
			return id, nil
		}
		n := cellCount(page)
		var next pager.PageID
		if n == 0 {
			next = pager.PageID(sibling(page))
		} else {
			next, _ = readInternalCell(page, int(cellPtr(page, 0)))
		}
		h.Unpin()
		id = next
	}
}

// Scan returns every entry with lower <= key < upper in ascending key
// order. A nil lower means "from the first key"; a nil upper means "to the
// last key".
func (t *Tree) Scan(lower, upper []byte) ([]Entry, error) {
	id, err := t.seekLeaf(lower)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for id != pager.NullPage {
		h, err := t.pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return nil, err
		}
		page := h.Data()
		n := cellCount(page)
		stop := false
		for i := uint16(0); i < n; i++ {
			off := int(cellPtr(page, i))
			key := readLeafCellKey(page, off)
			if lower != nil && bytes.Compare(key, lower) < 0 {
				continue
			}
			if upper != nil && bytes.Compare(key, upper) >= 0 {
				stop = true
				break
			}
			_, sizeField, vOff := readLeafCell(page, off)
			payload, err := t.materializeValue(page, sizeField, vOff)
			if err != nil {
				h.Unpin()
				return nil, err
			}
			out = append(out, Entry{Key: key, Payload: payload})
		}
		next := pager.PageID(sibling(page))
		h.Unpin()
		if stop {
			break
		}
		id = next
	}
	return out, nil
}

// seekLeaf finds the leaf that would contain lower (or the leftmost leaf
// if lower is nil).
func (t *Tree) seekLeaf(lower []byte) (pager.PageID, error) {
	if lower == nil {
		return t.leftmostLeaf()
	}

	t.mu.Lock()
	id := t.root
	t.mu.Unlock()

	for {
		h, err := t.pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return pager.NullPage, err
		}
		page := h.Data()
		if pageType(page) == pageTypeLeaf {
			h.Unpin()
			return id, nil
		}
		child := t.internalChildFor(page, lower)
		h.Unpin()
		id = child
	}
}

// Insert adds or replaces the payload stored under key.
func (t *Tree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(key, value)
}

// InsertAs is Insert, tagging the write with txnID. Used when a Tree
// handle is shared across callers (horizon.Db caches one Tree per tree
// id) so that setting the owning transaction and performing the write
// happen as one atomic step under t.mu instead of racing with another
// goroutine's WithTxnID between the tag and the call.
func (t *Tree) InsertAs(txnID uint64, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txnID = txnID
	return t.insertLocked(key, value)
}

func (t *Tree) insertLocked(key, value []byte) error {
	split, err := t.insertRecursive(t.root, key, value)
	if err != nil {
		return err
	}
	if split != nil {
		if err := t.growRoot(split); err != nil {
			return err
		}
	}
	return nil
}

type splitResult struct {
	splitKey []byte
	newPage  pager.PageID
}

func (t *Tree) growRoot(split *splitResult) error {
	h, err := t.pool.NewPage()
	if err != nil {
		return err
	}
	page := h.Data()
	initInternal(page)
	cell := buildInternalCell(t.root, split.splitKey)
	if err := writeCell(page, 0, cell); err != nil {
		h.Unpin()
		return err
	}
	setSibling(page, uint32(split.newPage))
	err = h.MarkDirty(t.txnID)
	h.Unpin()
	if err != nil {
		return err
	}
	t.root = h.ID()
	return nil
}

func (t *Tree) insertRecursive(id pager.PageID, key, value []byte) (*splitResult, error) {
	h, err := t.pool.Fetch(id, bufferpool.Write)
	if err != nil {
		return nil, err
	}
	defer h.Unpin()
	page := h.Data()

	if pageType(page) == pageTypeLeaf {
		return t.insertIntoLeaf(h, key, value)
	}

	child := t.internalChildFor(page, key)
	childSplit, err := t.insertRecursive(child, key, value)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return t.insertIntoInternal(h, child, childSplit)
}

func (t *Tree) insertIntoLeaf(h *bufferpool.Handle, key, value []byte) (*splitResult, error) {
	page := h.Data()
	n := cellCount(page)

	// Remove any existing cell for this key first; insertion below puts
	// the new one in sorted position.
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		if bytes.Equal(readLeafCellKey(page, off), key) {
			_, sizeField, vOff := readLeafCell(page, off)
			if sizeField&overflowBit != 0 {
				head := pager.PageID(binary.LittleEndian.Uint32(page[vOff : vOff+4]))
				if err := freeOverflow(t.pool, t.pager, head); err != nil {
					return nil, err
				}
			}
			removeCell(page, i)
			break
		}
	}
	return t.placeLeafCell(h, key, value)
}

// placeLeafCell inserts (key, value) into the sorted position in the leaf
// behind h, splitting first if it doesn't fit.
func (t *Tree) placeLeafCell(h *bufferpool.Handle, key, value []byte) (*splitResult, error) {
	page := h.Data()

	sizeField := uint32(len(value))
	inlineValue := value
	if len(value) > inlineThreshold {
		head, err := writeOverflow(t.pool, value, t.txnID)
		if err != nil {
			return nil, err
		}
		sizeField = overflowBit
		inlineValue = make([]byte, 8)
		binary.LittleEndian.PutUint32(inlineValue[0:4], uint32(head))
		binary.LittleEndian.PutUint32(inlineValue[4:8], uint32(len(value)))
	}
	cell := buildLeafCell(key, sizeField, inlineValue)

	n := cellCount(page)
	slot := n
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		if bytes.Compare(key, readLeafCellKey(page, off)) < 0 {
			slot = i
			break
		}
	}

	if hasSpace(page, len(cell)) {
		if err := writeCell(page, slot, cell); err != nil {
			return nil, err
		}
		if err := h.MarkDirty(t.txnID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return t.splitLeaf(h, slot, cell)
}

func (t *Tree) splitLeaf(h *bufferpool.Handle, insertSlot uint16, insertCell []byte) (*splitResult, error) {
	page := h.Data()
	n := cellCount(page)

	cells := make([][]byte, 0, n+1)
	for i := uint16(0); i < n; i++ {
		if i == insertSlot {
			cells = append(cells, insertCell)
		}
		off := int(cellPtr(page, i))
		key := readLeafCellKey(page, off)
		_, sizeField, vOff := readLeafCell(page, off)
		var raw []byte
		if sizeField&overflowBit != 0 {
			raw = page[vOff : vOff+8]
		} else {
			raw = page[vOff : vOff+int(sizeField)]
		}
		cells = append(cells, buildLeafCell(key, sizeField, raw))
	}
	if insertSlot == n {
		cells = append(cells, insertCell)
	}

	mid := len(cells) / 2
	oldSibling := sibling(page)

	newHandle, err := t.pool.NewPage()
	if err != nil {
		return nil, err
	}
	rightPage := newHandle.Data()
	initLeaf(rightPage)
	setSibling(rightPage, oldSibling)

	leftPage := page
	initLeaf(leftPage)

	for i, cell := range cells {
		target := leftPage
		if i >= mid {
			target = rightPage
		}
		if err := writeCell(target, cellCount(target), cell); err != nil {
			newHandle.Unpin()
			return nil, err
		}
	}
	setSibling(leftPage, uint32(newHandle.ID()))

	splitKey := readLeafCellKey(rightPage, int(cellPtr(rightPage, 0)))

	if err := newHandle.MarkDirty(t.txnID); err != nil {
		newHandle.Unpin()
		return nil, err
	}
	newHandle.Unpin()
	if err := h.MarkDirty(t.txnID); err != nil {
		return nil, err
	}

	return &splitResult{splitKey: splitKey, newPage: newHandle.ID()}, nil
}

// insertIntoInternal inserts a new separator produced by a child split.
// oldChildID is the child page that was just descended into (and split);
// the new separator's left child stays oldChildID, and the pointer that
// previously followed it is repointed at the split's new right page.
func (t *Tree) insertIntoInternal(h *bufferpool.Handle, oldChildID pager.PageID, child *splitResult) (*splitResult, error) {
	page := h.Data()
	n := cellCount(page)

	slot := n
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		c, _ := readInternalCell(page, off)
		if c == oldChildID {
			slot = i
			break
		}
	}
	// If oldChildID isn't any cell's left child, it must be the rightmost
	// pointer, so the new separator goes after every existing cell.

	newCell := buildInternalCell(oldChildID, child.splitKey)

	if hasSpace(page, len(newCell)) {
		if err := writeCell(page, slot, newCell); err != nil {
			return nil, err
		}
		t.repointChild(page, slot, child.newPage)
		if err := h.MarkDirty(t.txnID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return t.splitInternal(h, slot, oldChildID, child)
}

// repointChild rewrites the child pointer immediately after slot (the one
// that used to follow oldChildID) to point at newPage.
func (t *Tree) repointChild(page *[pager.PageSize]byte, slot uint16, newPage pager.PageID) {
	n := cellCount(page)
	if slot == n-1 {
		setSibling(page, uint32(newPage))
		return
	}
	off := int(cellPtr(page, slot+1))
	_, key := readInternalCell(page, off)
	newCell := buildInternalCell(newPage, key)
	copy(page[off:off+len(newCell)], newCell)
}

func (t *Tree) splitInternal(h *bufferpool.Handle, slot uint16, oldChildID pager.PageID, child *splitResult) (*splitResult, error) {
	page := h.Data()
	n := cellCount(page)

	// Rebuild as explicit children/keys arrays: n+1 children, n keys.
	children := make([]pager.PageID, 0, n+2)
	keys := make([][]byte, 0, n+1)
	for i := uint16(0); i < n; i++ {
		off := int(cellPtr(page, i))
		c, k := readInternalCell(page, off)
		children = append(children, c)
		keys = append(keys, k)
	}
	children = append(children, pager.PageID(sibling(page)))

	// Insert the new (oldChildID already present at index `slot`) split:
	// new key goes at position slot, new child (the split's right page)
	// goes at position slot+1.
	keys = append(keys, nil)
	copy(keys[slot+1:], keys[slot:])
	keys[slot] = child.splitKey

	children = append(children, pager.NullPage)
	copy(children[slot+2:], children[slot+1:])
	children[slot+1] = child.newPage

	mid := len(keys) / 2
	upKey := keys[mid]

	newHandle, err := t.pool.NewPage()
	if err != nil {
		return nil, err
	}
	rightPage := newHandle.Data()
	initInternal(rightPage)
	leftPage := page
	initInternal(leftPage)

	for i := 0; i < mid; i++ {
		cell := buildInternalCell(children[i], keys[i])
		if err := writeCell(leftPage, cellCount(leftPage), cell); err != nil {
			newHandle.Unpin()
			return nil, err
		}
	}
	setSibling(leftPage, uint32(children[mid]))

	for i := mid + 1; i < len(keys); i++ {
		cell := buildInternalCell(children[i], keys[i])
		if err := writeCell(rightPage, cellCount(rightPage), cell); err != nil {
			newHandle.Unpin()
			return nil, err
		}
	}
	setSibling(rightPage, uint32(children[len(children)-1]))

	if err := newHandle.MarkDirty(t.txnID); err != nil {
		newHandle.Unpin()
		return nil, err
	}
	newHandle.Unpin()
	if err := h.MarkDirty(t.txnID); err != nil {
		return nil, err
	}

	return &splitResult{splitKey: upKey, newPage: newHandle.ID()}, nil
}
