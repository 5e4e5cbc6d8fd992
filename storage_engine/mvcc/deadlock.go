package mvcc

// Deadlock detection via an explicit waits-for graph — absent from
// original_source/src/mvcc/mod.rs entirely (it has no lock-wait concept at
// all), so this is built from spec §4.5's description alone: transactions
// blocked on a row held by another transaction register an edge; a cycle
// means a deadlock, resolved by aborting the youngest participant (the
// transaction with the highest id, on the theory that it has the least
// invested and the cheapest rollback).
//
// Resolution is lazy: detecting a cycle doesn't reach into another
// goroutine and rewind it mid-flight. It marks the victim in pendingAbort;
// the victim observes this the next time it calls ShouldAbort (done at
// natural checkpoints — before taking a new lock, or before commit) and
// rolls itself back.

import "horizon/herrors"

func (m *Manager) waitsForMapLocked() map[uint64]map[uint64]struct{} {
	if m.waitsFor == nil {
		m.waitsFor = make(map[uint64]map[uint64]struct{})
	}
	return m.waitsFor
}

// RegisterWait records that waiter is blocked behind blocker (waiter wants
// a row blocker's uncommitted write currently holds). If this edge closes
// a cycle, the youngest participant is chosen as victim: if that's waiter
// itself, RegisterWait refuses the wait and returns herrors.Deadlock so
// the caller can roll back immediately instead of blocking forever;
// otherwise the edge is kept and the victim is scheduled for abort via
// pendingAbort.
func (m *Manager) RegisterWait(waiter, blocker uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := m.waitsForMapLocked()
	if graph[waiter] == nil {
		graph[waiter] = make(map[uint64]struct{})
	}
	graph[waiter][blocker] = struct{}{}

	cycle := findCycle(graph, waiter)
	if cycle == nil {
		return nil
	}

	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}

	if victim == waiter {
		delete(graph[waiter], blocker)
		return herrors.New(herrors.KindDeadlock, "transaction %d would deadlock waiting on %d", waiter, blocker)
	}

	delete(graph, victim)
	if m.pendingAbort == nil {
		m.pendingAbort = make(map[uint64]struct{})
	}
	m.pendingAbort[victim] = struct{}{}
	return nil
}

// ClearWait removes the waiter->blocker edge once the wait resolves
// (blocker committed or rolled back).
func (m *Manager) ClearWait(waiter, blocker uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if edges, ok := m.waitsFor[waiter]; ok {
		delete(edges, blocker)
		if len(edges) == 0 {
			delete(m.waitsFor, waiter)
		}
	}
}

// ShouldAbort reports and clears whether id was chosen as a deadlock
// victim since the last call.
func (m *Manager) ShouldAbort(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, marked := m.pendingAbort[id]; marked {
		delete(m.pendingAbort, id)
		return true
	}
	return false
}

// removeFromWaitsForGraphLocked drops id entirely from the graph — both
// its outgoing edges (it's no longer waiting on anything) and any edge
// pointing at it (nobody needs to wait on a concluded transaction
// anymore). Callers must hold m.mu.
func (m *Manager) removeFromWaitsForGraphLocked(id uint64) {
	delete(m.waitsFor, id)
	for waiter, edges := range m.waitsFor {
		delete(edges, id)
		if len(edges) == 0 {
			delete(m.waitsFor, waiter)
		}
	}
	delete(m.pendingAbort, id)
}

// findCycle runs a DFS from start over the waits-for graph and returns the
// cycle's member ids if start can reach itself, or nil if not.
func findCycle(graph map[uint64]map[uint64]struct{}, start uint64) []uint64 {
	visited := make(map[uint64]bool)
	var path []uint64

	var visit func(id uint64) []uint64
	visit = func(id uint64) []uint64 {
		if id == start && len(path) > 0 {
			return append([]uint64{}, path...)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		path = append(path, id)
		for next := range graph[id] {
			if found := visit(next); found != nil {
				return found
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	for blocker := range graph[start] {
		if found := visit(blocker); found != nil {
			return append([]uint64{start}, found...)
		}
	}
	return nil
}
