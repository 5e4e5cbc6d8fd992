package pager

import (
	"encoding/binary"

	"horizon/herrors"
)

// AllocatePage returns a PageID ready for a caller to initialize. If the
// free list is non-empty its head is popped and recycled (zeroed first);
// otherwise the file is extended by one page. Matches the LIFO free-list
// policy fixed in spec §9 (chosen for locality over FIFO).
func (p *Pager) AllocatePage() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureWritable(); err != nil {
		return NullPage, err
	}

	if p.header.FreeListHead != NullPage {
		id := p.header.FreeListHead
		page, err := p.readPageLocked(id)
		if err != nil {
			return NullPage, err
		}
		next := PageID(binary.LittleEndian.Uint32(page[0:4]))
		p.header.FreeListHead = next

		var blank [PageSize]byte
		if err := p.writePageLocked(id, &blank); err != nil {
			return NullPage, err
		}
		if err := p.flushHeader(); err != nil {
			return NullPage, err
		}
		p.log.WithField("page_id", id).Debug("allocated page from free list")
		return id, nil
	}

	id := PageID(p.header.PageCount)
	p.header.PageCount++

	var blank [PageSize]byte
	offset := int64(id) * PageSize
	if _, err := p.file.WriteAt(blank[:], offset); err != nil {
		return NullPage, herrors.Wrap(herrors.KindIO, "extend database file", err)
	}
	if err := p.flushHeader(); err != nil {
		return NullPage, err
	}
	p.log.WithField("page_id", id).Debug("allocated page by extending file")
	return id, nil
}

// FreePage returns id to the free list so a future AllocatePage call can
// reuse it. Page 0 can never be freed.
func (p *Pager) FreePage(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureWritable(); err != nil {
		return err
	}
	if id == 0 {
		return herrors.New(herrors.KindInvalid, "cannot free the header page (page 0)")
	}
	if uint32(id) >= p.header.PageCount {
		return herrors.WrapPage(herrors.KindNotFound, uint32(id), "page out of range", nil)
	}

	var page [PageSize]byte
	binary.LittleEndian.PutUint32(page[0:4], uint32(p.header.FreeListHead))

	if err := p.writePageLocked(id, &page); err != nil {
		return err
	}

	p.header.FreeListHead = id
	if err := p.flushHeader(); err != nil {
		return err
	}
	p.log.WithField("page_id", id).Debug("freed page")
	return nil
}

// FreeListPages walks the free list and returns every page id on it, head
// first. Used by the verify tooling to check the free list and the set of
// pages reachable from tree roots are disjoint.
func (p *Pager) FreeListPages() ([]PageID, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ids []PageID
	id := p.header.FreeListHead
	for id != NullPage {
		ids = append(ids, id)
		page, err := p.readPageLocked(id)
		if err != nil {
			return nil, err
		}
		id = PageID(binary.LittleEndian.Uint32(page[0:4]))
	}
	return ids, nil
}
