// Package wal is Horizon's write-ahead log: an append-only sequence of
// page-image frames that makes transaction commits durable before the
// corresponding pages are ever written to the main database file.
//
// Grounded in storage_engine/wal_manager (segment/frame vocabulary,
// recoverWALEntries-on-open idiom) and spec.md §4.2, simplified to the
// single-file-no-segments model spec.md's "WAL file (<name>-wal)" names.
package wal

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"horizon/herrors"
	"horizon/storage_engine/pager"
)

// frameHeaderSize is the fixed-size prefix of every frame: page id (4),
// txn id (8), checksum (8).
const frameHeaderSize = 20

// FrameSize is the size on disk of one WAL frame: header plus one full page
// image.
const FrameSize = frameHeaderSize + pager.PageSize

// commitSalt seeds the checksum chain for the very first frame in a WAL
// file. Every subsequent frame's checksum is chained off the previous
// frame's, so a single bit flip anywhere invalidates every frame after it.
const commitSalt uint64 = 0x486f72697a6f6e31 // "Horizon1"

// Manager owns the WAL file and the in-memory index of the most recent
// frame per page, used both to answer "is this page's latest image still
// only in the WAL" queries and to drive checkpoint/recovery.
type Manager struct {
	mu sync.Mutex

	path string
	file *os.File

	frameCount   uint32
	pageIndex    map[pager.PageID]uint32 // page id -> most recent frame index
	lastChecksum uint64

	log *logrus.Entry
}

// Open opens or creates the WAL file at path. It does not validate or
// replay existing contents — call Recover for that.
func Open(path string) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindIO, "open WAL file", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, herrors.Wrap(herrors.KindIO, "stat WAL file", err)
	}

	m := &Manager{
		path:         path,
		file:         file,
		pageIndex:    make(map[pager.PageID]uint32),
		lastChecksum: commitSalt,
		log:          logrus.WithField("component", "wal").WithField("path", path),
	}
	m.frameCount = uint32(info.Size() / FrameSize)
	return m, nil
}

// Close closes the WAL file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Close(); err != nil {
		return herrors.Wrap(herrors.KindIO, "close WAL file", err)
	}
	return nil
}

// FrameCount returns the number of frames currently in the WAL.
func (m *Manager) FrameCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameCount
}

// ContainsPage reports whether the WAL holds a more recent image of id
// than the main file.
func (m *Manager) ContainsPage(id pager.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pageIndex[id]
	return ok
}

// ReadPage returns the most recent WAL image of id, if any.
func (m *Manager) ReadPage(id pager.PageID) (*[pager.PageSize]byte, error) {
	m.mu.Lock()
	idx, ok := m.pageIndex[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	var frame [FrameSize]byte
	if _, err := m.file.ReadAt(frame[:], int64(idx)*FrameSize); err != nil {
		return nil, herrors.Wrap(herrors.KindIO, "read WAL frame", err)
	}
	var image [pager.PageSize]byte
	copy(image[:], frame[frameHeaderSize:])
	return &image, nil
}

// Append writes a new frame holding image for page id, attributed to
// txnID. It does not fsync — durability is established only by Commit.
func (m *Manager) Append(id pager.PageID, txnID uint64, image *[pager.PageSize]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(id, txnID, image, false)
}

// Commit appends a distinguished commit frame (page id 0, the committing
// txnID) and fsyncs the WAL file. A transaction is durable iff this call
// returns nil.
func (m *Manager) Commit(txnID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var empty [pager.PageSize]byte
	if err := m.appendLocked(pager.NullPage, txnID, &empty, true); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return herrors.Wrap(herrors.KindIO, "fsync WAL on commit", err)
	}
	m.log.WithField("txn_id", txnID).Debug("transaction durable")
	return nil
}

func (m *Manager) appendLocked(id pager.PageID, txnID uint64, image *[pager.PageSize]byte, isCommit bool) error {
	var frame [FrameSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(id))
	binary.LittleEndian.PutUint64(frame[4:12], txnID)
	copy(frame[frameHeaderSize:], image[:])

	checksum := chainChecksum(m.lastChecksum, frame[0:12], image[:])
	binary.LittleEndian.PutUint64(frame[12:20], checksum)

	offset := int64(m.frameCount) * FrameSize
	if _, err := m.file.WriteAt(frame[:], offset); err != nil {
		return herrors.Wrap(herrors.KindIO, "append WAL frame", err)
	}

	if !isCommit {
		m.pageIndex[id] = m.frameCount
	}
	m.frameCount++
	m.lastChecksum = checksum
	return nil
}
