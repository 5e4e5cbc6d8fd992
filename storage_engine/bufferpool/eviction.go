package bufferpool

import "horizon/herrors"

// evictLocked removes one unpinned, clean frame to make room for a new
// one. Pinned frames are never touched. A dirty frame is never evicted
// either — per spec §4.3 it stays resident until a checkpoint flushes it
// and clears the dirty flag, which is the only path that makes it clean.
//
// Among several equally-evictable (unpinned, clean) candidates in order,
// the admission cache's opinion breaks the tie: a candidate ristretto has
// already aged out of its own sketch (Get reports a miss) goes first, on
// the theory that TinyLFU's frequency estimate is a better victim signal
// than plain recency alone. If no candidate qualifies by that signal,
// plain LRU order — oldest touched first — decides.
func (p *Pool) evictLocked() error {
	candidates := make([]int, 0, len(p.order))
	for i, id := range p.order {
		f, ok := p.frames[id]
		if !ok {
			continue
		}
		if f.pinCount == 0 && !f.dirty {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return herrors.BufferFull
	}

	victimIdx := candidates[0]
	for _, i := range candidates {
		id := p.order[i]
		if _, found := p.admission.Get(uint64(id)); !found {
			victimIdx = i
			break
		}
	}

	id := p.order[victimIdx]
	delete(p.frames, id)
	p.admission.Del(uint64(id))
	p.order = append(p.order[:victimIdx], p.order[victimIdx+1:]...)
	p.log.WithField("page_id", id).Debug("evicted frame")
	return nil
}
