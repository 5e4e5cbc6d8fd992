// Package pager is the lowest-level storage abstraction in Horizon. It
// views the database file as a flat sequence of fixed-size pages and
// provides read / write / allocate / free operations on those pages. It
// knows nothing about the contents of a page beyond the file header on
// page 0 — the B+Tree and buffer pool build their own structure on top.
//
// Grounded in storage_engine/disk_manager (open/read/write/sync idiom,
// RWMutex-per-resource locking) and the single-file model described in
// spec.md §4.1 and §6.1.
package pager

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"horizon/herrors"
)

// PageSize is the fixed size of every page in a Horizon database file.
const PageSize = 4096

// PageID is a zero-based page number. Page 0 is always the header page.
type PageID uint32

// NullPage is the sentinel meaning "no page" (an empty free list, a leaf
// with no next-leaf, etc).
const NullPage PageID = 0

// Pager manages a database file as a flat array of PageSize-byte pages.
//
// It does not cache pages in memory — that is the buffer pool's job. It is
// responsible for: positional page I/O, the file header, page allocation
// and freeing via the free list, and minting monotonically increasing
// transaction ids.
type Pager struct {
	mu sync.RWMutex

	file     *os.File
	flock    *advisoryLock
	readOnly bool

	header header
	log    *logrus.Entry
}

// Open opens an existing database file, or creates a new one if it does
// not exist. When readOnly is true, every mutating method returns
// herrors.ReadOnly.
func Open(path string, readOnly bool) (*Pager, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, herrors.Wrap(herrors.KindIO, "open database file", err)
	}

	lock, err := acquireAdvisoryLock(file, readOnly)
	if err != nil {
		file.Close()
		return nil, err
	}

	p := &Pager{
		file:     file,
		flock:    lock,
		readOnly: readOnly,
		log:      logrus.WithField("component", "pager").WithField("path", path),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, herrors.Wrap(herrors.KindIO, "stat database file", err)
	}

	if info.Size() == 0 {
		if readOnly {
			file.Close()
			return nil, herrors.New(herrors.KindReadOnly, "cannot create a new database in read-only mode")
		}
		if err := p.initFresh(); err != nil {
			file.Close()
			return nil, err
		}
		p.log.Info("created new database file")
		return p, nil
	}

	if info.Size() < PageSize {
		file.Close()
		return nil, herrors.New(herrors.KindCorrupt, "file is shorter than a single page")
	}

	if err := p.readHeader(); err != nil {
		file.Close()
		return nil, err
	}
	p.log.WithField("page_count", p.header.PageCount).Info("opened existing database file")
	return p, nil
}

func (p *Pager) initFresh() error {
	blank := make([]byte, PageSize)
	if _, err := p.file.WriteAt(blank, 0); err != nil {
		return herrors.Wrap(herrors.KindIO, "write initial header page", err)
	}
	p.header = header{
		PageCount:          1,
		FreeListHead:       NullPage,
		SchemaGeneration:   0,
		NextTxnID:          1,
		LastCommittedTxnID: 0,
		DirectoryRoot:      NullPage,
	}
	if err := p.flushHeader(); err != nil {
		return err
	}
	return p.syncLocked()
}

// Close releases the advisory lock and closes the underlying file. It does
// not sync — callers that want durability should call Sync first.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.flock != nil {
		_ = p.flock.release()
	}
	if err := p.file.Close(); err != nil {
		return herrors.Wrap(herrors.KindIO, "close database file", err)
	}
	return nil
}

// ReadPage reads the page identified by id into a PageSize-byte buffer.
func (p *Pager) ReadPage(id PageID) ([PageSize]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(id)
}

func (p *Pager) readPageLocked(id PageID) ([PageSize]byte, error) {
	var buf [PageSize]byte
	if uint32(id) >= p.header.PageCount {
		return buf, herrors.WrapPage(herrors.KindNotFound, uint32(id), "page out of range", nil)
	}
	offset := int64(id) * PageSize
	n, err := p.file.ReadAt(buf[:], offset)
	if err != nil && n < PageSize {
		return buf, herrors.WrapPage(herrors.KindIO, uint32(id), "short read", err)
	}
	return buf, nil
}

// WritePage writes data to the page identified by id. It does not fsync.
func (p *Pager) WritePage(id PageID, data *[PageSize]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(id, data)
}

func (p *Pager) writePageLocked(id PageID, data *[PageSize]byte) error {
	if err := p.ensureWritable(); err != nil {
		return err
	}
	if uint32(id) >= p.header.PageCount {
		return herrors.WrapPage(herrors.KindNotFound, uint32(id), "page out of range", nil)
	}
	offset := int64(id) * PageSize
	if _, err := p.file.WriteAt(data[:], offset); err != nil {
		return herrors.WrapPage(herrors.KindIO, uint32(id), "write page", err)
	}
	return nil
}

// Sync fsyncs the main file.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.syncLocked()
}

func (p *Pager) syncLocked() error {
	if err := p.file.Sync(); err != nil {
		return herrors.Wrap(herrors.KindIO, "fsync database file", err)
	}
	return nil
}

// PageCount returns the total number of pages in the file, including page 0.
func (p *Pager) PageCount() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.PageCount
}

// ensureWritable returns herrors.ReadOnly if this pager was opened
// read-only. Callers must hold at least a read lock.
func (p *Pager) ensureWritable() error {
	if p.readOnly {
		return herrors.New(herrors.KindReadOnly, "cannot mutate a read-only database")
	}
	return nil
}

// Stat exposes the header fields relevant to upper layers and the debug
// CLI without leaking the header's on-disk layout.
type Stat struct {
	PageCount          uint32
	FreeListHead       PageID
	SchemaGeneration   uint32
	NextTxnID          uint64
	LastCommittedTxnID uint64
	DirectoryRoot      PageID
}

// Stat returns a snapshot of the file header.
func (p *Pager) Stat() Stat {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stat{
		PageCount:          p.header.PageCount,
		FreeListHead:       p.header.FreeListHead,
		SchemaGeneration:   p.header.SchemaGeneration,
		NextTxnID:          p.header.NextTxnID,
		LastCommittedTxnID: p.header.LastCommittedTxnID,
		DirectoryRoot:      p.header.DirectoryRoot,
	}
}

// NextTxnID atomically increments and returns the next transaction id. The
// caller is responsible for calling FlushHeader at an appropriate time
// (normally at commit) to persist the updated counter.
func (p *Pager) NextTxnID() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureWritable(); err != nil {
		return 0, err
	}
	id := p.header.NextTxnID
	p.header.NextTxnID++
	return id, nil
}

// SetLastCommittedTxnID records the most recently committed transaction id
// and persists the header. The MVCC manager records commits through
// PersistTxnState instead.
func (p *Pager) SetLastCommittedTxnID(id uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureWritable(); err != nil {
		return err
	}
	p.header.LastCommittedTxnID = id
	return p.flushHeader()
}

// DirectoryRoot returns the root page of the tree directory (page 1 once
// created, NullPage until horizon.Open first creates it).
func (p *Pager) DirectoryRoot() PageID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.header.DirectoryRoot
}

// SetDirectoryRoot persists the tree directory's root page.
func (p *Pager) SetDirectoryRoot(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureWritable(); err != nil {
		return err
	}
	p.header.DirectoryRoot = id
	return p.flushHeader()
}

// PersistTxnState writes the transaction id counter and the most recently
// committed transaction id to the header, so a restarted Manager never
// reuses an id allocated before a prior session's last commit. Called by
// the MVCC manager after every commit.
func (p *Pager) PersistTxnState(nextTxnID, lastCommitted uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureWritable(); err != nil {
		return err
	}
	p.header.NextTxnID = nextTxnID
	p.header.LastCommittedTxnID = lastCommitted
	return p.flushHeader()
}

// BumpSchemaGeneration increments and persists the schema generation
// counter, called whenever CreateTree/DropTree changes the directory.
func (p *Pager) BumpSchemaGeneration() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureWritable(); err != nil {
		return err
	}
	p.header.SchemaGeneration++
	return p.flushHeader()
}
