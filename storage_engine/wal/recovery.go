package wal

import (
	"encoding/binary"

	"horizon/herrors"
	"horizon/storage_engine/pager"
)

// RecoveryReport summarizes a Recover call for logging.
type RecoveryReport struct {
	FramesScanned int
	FramesApplied int
	// TruncatedAt is the frame index at which the checksum chain first
	// broke, or equals FramesScanned if the whole file validated.
	TruncatedAt int
}

// Recover replays the WAL into p. It validates the checksum chain from the
// start of the file and stops at the first frame whose checksum doesn't
// match — that frame and everything after it is presumed torn by a crash
// mid-write and is discarded. Of the valid prefix, only pages written by
// transactions whose commit frame also appears in that prefix are applied;
// an in-flight transaction that never committed leaves no trace. Recover
// truncates the WAL after applying, so it is idempotent and cheap to call
// unconditionally on every open.
func (m *Manager) Recover(p *pager.Pager) (RecoveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := RecoveryReport{}

	type pendingWrite struct {
		pageID pager.PageID
		image  [pager.PageSize]byte
	}
	pending := make(map[uint64][]pendingWrite) // txn id -> its uncommitted writes so far
	committed := make(map[pager.PageID][pager.PageSize]byte)

	chain := commitSalt
	var frame [FrameSize]byte
	frameIdx := 0
	for {
		n, err := m.file.ReadAt(frame[:], int64(frameIdx)*FrameSize)
		if n < FrameSize || err != nil {
			break
		}

		pageID := pager.PageID(binary.LittleEndian.Uint32(frame[0:4]))
		txnID := binary.LittleEndian.Uint64(frame[4:12])
		checksum := binary.LittleEndian.Uint64(frame[12:20])
		image := frame[frameHeaderSize:]

		want := chainChecksum(chain, frame[0:12], image)
		if want != checksum {
			break
		}
		chain = checksum
		frameIdx++
		report.FramesScanned++

		isCommit := pageID == pager.NullPage
		if isCommit {
			for _, w := range pending[txnID] {
				committed[w.pageID] = w.image
			}
			delete(pending, txnID)
			continue
		}

		var img [pager.PageSize]byte
		copy(img[:], image)
		pending[txnID] = append(pending[txnID], pendingWrite{pageID: pageID, image: img})
	}
	report.TruncatedAt = frameIdx

	for pageID, image := range committed {
		img := image
		if err := p.WritePage(pageID, &img); err != nil {
			return report, err
		}
		report.FramesApplied++
	}
	if report.FramesApplied > 0 {
		if err := p.Sync(); err != nil {
			return report, err
		}
	}

	if err := m.truncateLocked(); err != nil {
		return report, err
	}
	m.log.WithField("frames_scanned", report.FramesScanned).
		WithField("frames_applied", report.FramesApplied).
		Info("WAL recovery complete")
	return report, nil
}

// Checkpoint writes the most recent image of every page currently held in
// the WAL to the main file (last frame wins per page), syncs the main
// file, and truncates the WAL. Unlike Recover, Checkpoint does not filter
// by commit status: pages may be written to the WAL ahead of their
// transaction's commit (a steal policy), and any transaction that later
// rolls back restores the prior value through the ordinary undo-replay
// write path rather than through WAL bookkeeping.
func (m *Manager) Checkpoint(p *pager.Pager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pageID, idx := range m.pageIndex {
		var frame [FrameSize]byte
		if _, err := m.file.ReadAt(frame[:], int64(idx)*FrameSize); err != nil {
			return herrors.Wrap(herrors.KindIO, "read WAL frame during checkpoint", err)
		}
		var image [pager.PageSize]byte
		copy(image[:], frame[frameHeaderSize:])
		if err := p.WritePage(pageID, &image); err != nil {
			return err
		}
	}
	if err := p.Sync(); err != nil {
		return err
	}
	return m.truncateLocked()
}

func (m *Manager) truncateLocked() error {
	if err := m.file.Truncate(0); err != nil {
		return herrors.Wrap(herrors.KindIO, "truncate WAL file", err)
	}
	m.frameCount = 0
	m.pageIndex = make(map[pager.PageID]uint32)
	m.lastChecksum = commitSalt
	return nil
}
