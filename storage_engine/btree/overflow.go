package btree

import (
	"encoding/binary"

	"horizon/storage_engine/bufferpool"
	"horizon/storage_engine/pager"
)

// Overflow pages chain payload bytes too large to inline in a leaf cell.
// Layout: [next_page:4 LE][chunk_len:2 LE][chunk...].
const overflowHeaderSize = 6

func overflowChunkCap() int { return pager.PageSize - overflowHeaderSize }

// writeOverflow spills value across as many chained pages as needed and
// returns the head page id. txnID tags the pages' dirty frames so WAL
// recovery attributes them to the right transaction.
func writeOverflow(pool *bufferpool.Pool, value []byte, txnID uint64) (pager.PageID, error) {
	var head pager.PageID = pager.NullPage
	var prevHandle *bufferpool.Handle
	var prevData *[pager.PageSize]byte

	remaining := value
	for len(remaining) > 0 || head == pager.NullPage {
		h, err := pool.NewPage()
		if err != nil {
			return pager.NullPage, err
		}
		if head == pager.NullPage {
			head = h.ID()
		}
		data := h.Data()
		*data = [pager.PageSize]byte{}

		chunk := remaining
		if len(chunk) > overflowChunkCap() {
			chunk = chunk[:overflowChunkCap()]
		}
		binary.LittleEndian.PutUint32(data[0:4], uint32(pager.NullPage))
		binary.LittleEndian.PutUint16(data[4:6], uint16(len(chunk)))
		copy(data[overflowHeaderSize:], chunk)
		remaining = remaining[len(chunk):]

		if prevHandle != nil {
			binary.LittleEndian.PutUint32(prevData[0:4], uint32(h.ID()))
			if err := prevHandle.MarkDirty(txnID); err != nil {
				return pager.NullPage, err
			}
			prevHandle.Unpin()
		}
		prevHandle, prevData = h, data

		if len(remaining) == 0 {
			break
		}
	}
	if err := prevHandle.MarkDirty(txnID); err != nil {
		return pager.NullPage, err
	}
	prevHandle.Unpin()
	return head, nil
}

// readOverflow walks the chain starting at head and concatenates totalLen
// bytes of payload.
func readOverflow(pool *bufferpool.Pool, head pager.PageID, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	id := head
	for id != pager.NullPage && uint32(len(out)) < totalLen {
		h, err := pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return nil, err
		}
		data := h.Data()
		chunkLen := binary.LittleEndian.Uint16(data[4:6])
		out = append(out, data[overflowHeaderSize:overflowHeaderSize+int(chunkLen)]...)
		next := pager.PageID(binary.LittleEndian.Uint32(data[0:4]))
		h.Unpin()
		id = next
	}
	return out, nil
}

// overflowChainPages returns every page id in the chain starting at head,
// without reading or freeing them. Used by tree verification to collect
// the full reachable page set.
func overflowChainPages(pool *bufferpool.Pool, head pager.PageID) ([]pager.PageID, error) {
	var ids []pager.PageID
	id := head
	for id != pager.NullPage {
		ids = append(ids, id)
		h, err := pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return nil, err
		}
		next := pager.PageID(binary.LittleEndian.Uint32(h.Data()[0:4]))
		h.Unpin()
		id = next
	}
	return ids, nil
}

// freeOverflow releases every page in the chain back to the pager.
func freeOverflow(pool *bufferpool.Pool, p *pager.Pager, head pager.PageID) error {
	id := head
	for id != pager.NullPage {
		h, err := pool.Fetch(id, bufferpool.Read)
		if err != nil {
			return err
		}
		next := pager.PageID(binary.LittleEndian.Uint32(h.Data()[0:4]))
		h.Unpin()
		if err := p.FreePage(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
