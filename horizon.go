// Package horizon is the public contract of the storage and transaction
// core: open a database file, begin/commit/rollback transactions, and
// get/put/delete/scan rows by tree id. It wires the five internal layers
// (pager, wal, bufferpool, btree, mvcc) together behind spec §6.3's
// signatures.
//
// Grounded in storage_engine/main.go and query_executor/executor.go for
// the top-level open/wire-everything-up shape, adapted from a SQL
// executor entry point to a bare storage contract with no query layer.
package horizon

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"horizon/herrors"
	"horizon/storage_engine/bufferpool"
	"horizon/storage_engine/btree"
	"horizon/storage_engine/mvcc"
	"horizon/storage_engine/pager"
	"horizon/storage_engine/wal"
)

// DefaultBufferPoolCapacity is the number of frames the buffer pool holds
// when Open is called without Options overriding it.
const DefaultBufferPoolCapacity = 1024

// directoryRootPage is fixed per spec §3: page 1 always hosts the tree
// directory, and that root is never freed.
const directoryRootPage = pager.PageID(1)

// Options configures Open.
type Options struct {
	BufferPoolCapacity int
	ReadOnly           bool
	GCInterval         time.Duration
}

func (o Options) withDefaults() Options {
	if o.BufferPoolCapacity == 0 {
		o.BufferPoolCapacity = DefaultBufferPoolCapacity
	}
	if o.GCInterval == 0 {
		o.GCInterval = time.Minute
	}
	return o
}

// TreeID is an opaque, stable handle to a tree: the directory maps it to
// the tree's current root page, which can move underneath it (a B+Tree
// root changes identity when it splits or collapses). Callers hold a
// TreeID across the tree's lifetime instead of a raw page id.
type TreeID uint32

// Db is an open Horizon database.
type Db struct {
	mu sync.Mutex

	path      string
	pager     *pager.Pager
	wal       *wal.Manager
	pool      *bufferpool.Pool
	mgr       *mvcc.Manager
	directory *btree.Tree
	gc        *mvcc.GC

	// trees caches one live *btree.Tree per tree id, keyed by TreeID and
	// guarded by mu. Every caller — foreground transactions and the
	// background GC goroutine alike — goes through this cache instead of
	// opening a fresh Tree per call, so the Tree's own mutex (which
	// serializes its writes) actually has something to serialize against.
	trees map[TreeID]*btree.Tree

	nextTreeID uint32
	log        *logrus.Entry
}

// Open opens path (creating it if absent), replays the WAL, and starts
// the background undo-chain collector. Recovery runs unconditionally and
// idempotently: a clean file's WAL is already empty, so Recover is a
// no-op.
func Open(path string, opts Options) (*Db, error) {
	opts = opts.withDefaults()
	log := logrus.WithField("component", "horizon").WithField("path", path)

	p, err := pager.Open(path, opts.ReadOnly)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(walPath(path))
	if err != nil {
		p.Close()
		return nil, err
	}

	report, err := w.Recover(p)
	if err != nil {
		w.Close()
		p.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"frames_scanned": report.FramesScanned,
		"frames_applied": report.FramesApplied,
	}).Info("wal recovery complete")

	pool, err := bufferpool.New(opts.BufferPoolCapacity, p, w)
	if err != nil {
		w.Close()
		p.Close()
		return nil, err
	}

	directory, nextID, err := openOrCreateDirectory(p, pool)
	if err != nil {
		pool.Close()
		w.Close()
		p.Close()
		return nil, err
	}

	mgr := mvcc.New(w, p)

	db := &Db{
		path:       path,
		pager:      p,
		wal:        w,
		pool:       pool,
		mgr:        mgr,
		directory:  directory,
		trees:      make(map[TreeID]*btree.Tree),
		nextTreeID: nextID,
		log:        log,
	}

	db.gc = mvcc.NewGC(mgr, opts.GCInterval, db.collectDeadVersions)
	db.gc.Start()

	return db, nil
}

func walPath(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+"-wal")
}

// openOrCreateDirectory opens the directory tree rooted at page 1,
// creating it on a fresh database, and scans it once to recover the next
// unused tree id (directory entries survive restarts; the in-memory
// counter doesn't).
func openOrCreateDirectory(p *pager.Pager, pool *bufferpool.Pool) (*btree.Tree, uint32, error) {
	root := p.DirectoryRoot()
	var tree *btree.Tree
	if root == pager.NullPage {
		t, err := btree.Create(pool, p)
		if err != nil {
			return nil, 0, err
		}
		if t.Root() != directoryRootPage {
			return nil, 0, herrors.New(herrors.KindCorrupt, "directory tree did not land on page 1 (got %d)", t.Root())
		}
		if err := p.SetDirectoryRoot(t.Root()); err != nil {
			return nil, 0, err
		}
		tree = t
	} else {
		tree = btree.Open(pool, p, root)
	}

	entries, err := tree.Scan(nil, nil)
	if err != nil {
		return nil, 0, err
	}
	var maxID uint32
	for _, e := range entries {
		id := decodeTreeID(e.Key)
		if id >= maxID {
			maxID = id + 1
		}
	}
	if maxID == 0 {
		maxID = 1 // tree id 0 is reserved for the directory itself
	}
	return tree, maxID, nil
}

// Close stops background GC and releases all file handles. It does not
// checkpoint — callers that want the WAL drained first should call
// Checkpoint.
func (db *Db) Close() error {
	db.gc.Stop()
	db.pool.Close()
	if err := db.wal.Close(); err != nil {
		return err
	}
	return db.pager.Close()
}

// Checkpoint forces every WAL frame to be applied to the main file and
// truncates the WAL.
func (db *Db) Checkpoint() error {
	return db.pool.Checkpoint()
}

// Stat returns a snapshot of the file header, for diagnostic tooling.
func (db *Db) Stat() pager.Stat {
	return db.pager.Stat()
}

// DumpPage returns the raw bytes of page id, for diagnostic tooling.
func (db *Db) DumpPage(id pager.PageID) ([pager.PageSize]byte, error) {
	return db.pager.ReadPage(id)
}

// VerifyResult reports the outcome of walking every tree reachable from the
// directory and cross-checking the resulting page sets against the free
// list, per spec.md §8 invariant 5.
type VerifyResult struct {
	TreeCount        int
	TotalPages       uint32
	FreeListPages    int
	OverlappingPages []pager.PageID
	DepthMismatches  []string
	UncoveredPages   []pager.PageID
}

// OK reports whether the database passed every check Verify ran.
func (r VerifyResult) OK() bool {
	return len(r.OverlappingPages) == 0 && len(r.DepthMismatches) == 0 && len(r.UncoveredPages) == 0
}

// Verify walks the directory tree and every tree it names, confirming each
// tree's leaves sit at a uniform depth, and that the free list and the
// pages reachable from every tree root are disjoint and together cover
// every page in the file except page 0 (the header).
func (db *Db) Verify() (VerifyResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	result := VerifyResult{TotalPages: db.pager.Stat().PageCount}

	seen := make(map[pager.PageID]TreeID)
	recordPages := func(owner TreeID, pages []pager.PageID) {
		for _, p := range pages {
			if prior, ok := seen[p]; ok {
				result.OverlappingPages = append(result.OverlappingPages, p)
				db.log.WithFields(logrus.Fields{"page_id": p, "tree_a": prior, "tree_b": owner}).Warn("page reachable from two trees")
				continue
			}
			seen[p] = owner
		}
	}

	dirReport, err := db.directory.Verify()
	if err != nil {
		return result, err
	}
	recordPages(0, dirReport.Pages)

	entries, err := db.directory.Scan(nil, nil)
	if err != nil {
		return result, err
	}
	result.TreeCount = len(entries)

	for _, e := range entries {
		id := TreeID(decodeTreeID(e.Key))
		root := decodeRootPage(e.Payload)
		report, err := btree.Open(db.pool, db.pager, root).Verify()
		if err != nil {
			result.DepthMismatches = append(result.DepthMismatches, fmt.Sprintf("tree %d: %v", id, err))
			continue
		}
		recordPages(id, report.Pages)
	}

	freeList, err := db.pager.FreeListPages()
	if err != nil {
		return result, err
	}
	result.FreeListPages = len(freeList)
	for _, p := range freeList {
		if owner, ok := seen[p]; ok {
			result.OverlappingPages = append(result.OverlappingPages, p)
			db.log.WithFields(logrus.Fields{"page_id": p, "tree": owner}).Warn("free-list page still reachable from a tree")
			continue
		}
		seen[p] = 0
	}

	for pid := uint32(1); pid < result.TotalPages; pid++ {
		if _, ok := seen[pager.PageID(pid)]; !ok {
			result.UncoveredPages = append(result.UncoveredPages, pager.PageID(pid))
		}
	}

	return result, nil
}

// CreateTree allocates a fresh empty tree and returns its stable id. The
// allocation and the directory entry recording it are attributed to a
// dedicated system transaction, committed immediately, so the new tree
// survives crash recovery exactly like any other committed write.
func (db *Db) CreateTree() (TreeID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	sys := db.mgr.Begin()

	tree, err := btree.Create(db.pool, db.pager)
	if err != nil {
		return 0, err
	}
	// btree.Create logs the new root page under txn 0, which never commits;
	// log it again under sys so recovery replays it with the directory entry.
	rootH, err := db.pool.Fetch(tree.Root(), bufferpool.Write)
	if err != nil {
		return 0, err
	}
	err = rootH.MarkDirty(sys.ID)
	rootH.Unpin()
	if err != nil {
		return 0, err
	}
	id := db.nextTreeID
	db.nextTreeID++
	db.trees[TreeID(id)] = tree

	if err := db.directory.InsertAs(sys.ID, encodeTreeID(id), encodeRootPage(tree.Root())); err != nil {
		return 0, err
	}
	if err := db.pager.BumpSchemaGeneration(); err != nil {
		return 0, err
	}
	if err := db.mgr.Commit(sys); err != nil {
		return 0, err
	}
	db.log.WithField("tree_id", id).Info("tree created")
	return TreeID(id), nil
}

// DropTree frees every page reachable from id's tree and removes it from
// the directory, attributed to a dedicated system transaction so the
// removal is durable.
func (db *Db) DropTree(id TreeID) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	root, found, err := db.lookupRootLocked(id)
	if err != nil {
		return err
	}
	if !found {
		return herrors.New(herrors.KindNotFound, "tree %d does not exist", id)
	}

	sys := db.mgr.Begin()

	tree, ok := db.trees[id]
	if !ok {
		tree = btree.Open(db.pool, db.pager, root)
	}
	if err := tree.FreeAll(); err != nil {
		return err
	}
	delete(db.trees, id)
	if _, err := db.directory.DeleteAs(sys.ID, encodeTreeID(uint32(id))); err != nil {
		return err
	}
	if err := db.pager.BumpSchemaGeneration(); err != nil {
		return err
	}
	return db.mgr.Commit(sys)
}

func (db *Db) lookupRootLocked(id TreeID) (pager.PageID, bool, error) {
	v, found, err := db.directory.Search(encodeTreeID(uint32(id)))
	if err != nil || !found {
		return pager.NullPage, found, err
	}
	return decodeRootPage(v), true, nil
}

// treeFor returns the shared *btree.Tree for id, resolving and caching it
// from the directory on first use. Every subsequent call — from any
// transaction, or from the background GC goroutine — returns the same
// Tree instance, so its internal mutex actually serializes concurrent
// writers instead of each call getting its own, never-contended lock.
// The Tree's own root field stays current across splits/collapses; the
// directory entry is refreshed separately by syncDirectoryRoot.
func (db *Db) treeFor(id TreeID) (*btree.Tree, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if tree, ok := db.trees[id]; ok {
		return tree, nil
	}

	root, found, err := db.lookupRootLocked(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, herrors.New(herrors.KindNotFound, "tree %d does not exist", id)
	}
	tree := btree.Open(db.pool, db.pager, root)
	db.trees[id] = tree
	return tree, nil
}

// syncDirectoryRoot persists tree's root back into the directory if it
// changed (a split or merge/collapse moved it) since treeFor opened it.
// The directory update is tagged with the same transaction that moved the
// root, so both land in the WAL under one commit.
func (db *Db) syncDirectoryRoot(id TreeID, tree *btree.Tree, before pager.PageID) error {
	after := tree.Root()
	if after == before {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.directory.WithTxnID(tree.TxnID()).Insert(encodeTreeID(uint32(id)), encodeRootPage(after))
}

func encodeTreeID(id uint32) []byte { return btree.EncodeRowID(uint64(id)) }
func decodeTreeID(key []byte) uint32 {
	return uint32(btree.DecodeRowID(key))
}

func encodeRootPage(p pager.PageID) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(p))
	return buf
}

func decodeRootPage(v []byte) pager.PageID {
	return pager.PageID(binary.LittleEndian.Uint32(v))
}

// collectDeadVersions runs a GC pass over every tree in the directory,
// trimming version chains to what minTS still needs. Reclaimed counts the
// number of dead versions dropped.
func (db *Db) collectDeadVersions(minTS uint64) (int, error) {
	db.mu.Lock()
	entries, err := db.directory.Scan(nil, nil)
	db.mu.Unlock()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, e := range entries {
		id := TreeID(decodeTreeID(e.Key))
		n, err := db.gcTree(id, minTS)
		if err != nil {
			return reclaimed, err
		}
		reclaimed += n
	}
	return reclaimed, nil
}

func (db *Db) gcTree(id TreeID, minTS uint64) (int, error) {
	sys := db.mgr.Begin()

	tree, err := db.treeFor(id)
	if err != nil {
		return 0, err
	}
	before := tree.Root()

	rows, err := tree.Scan(nil, nil)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, row := range rows {
		chain, err := mvcc.DecodeChain(row.Payload)
		if err != nil {
			return reclaimed, err
		}
		trimmed := mvcc.TrimChain(chain, minTS, db.mgr.IsCommitted)
		if len(trimmed) == len(chain) {
			continue
		}
		reclaimed += len(chain) - len(trimmed)
		if len(trimmed) == 0 {
			if _, err := tree.DeleteAs(sys.ID, row.Key); err != nil {
				return reclaimed, err
			}
			continue
		}
		if err := tree.InsertAs(sys.ID, row.Key, mvcc.EncodeChain(trimmed)); err != nil {
			return reclaimed, err
		}
	}
	if err := db.syncDirectoryRoot(id, tree, before); err != nil {
		return reclaimed, err
	}
	return reclaimed, db.mgr.Commit(sys)
}

// Txn is a handle to one in-flight transaction.
type Txn struct {
	db  *Db
	txn *mvcc.Txn
}

// Begin starts a new transaction with its own snapshot.
func (db *Db) Begin() *Txn {
	return &Txn{db: db, txn: db.mgr.Begin()}
}

// Commit makes the transaction's writes visible to future snapshots. A
// transaction chosen as a deadlock victim since its last checkpoint must
// roll back instead.
func (t *Txn) Commit() error {
	if t.db.mgr.ShouldAbort(t.txn.ID) {
		return herrors.New(herrors.KindDeadlock, "transaction %d chosen as deadlock victim; roll back instead of commit", t.txn.ID)
	}
	return t.db.mgr.Commit(t.txn)
}

// Rollback undoes every write the transaction made and discards it.
func (t *Txn) Rollback() error {
	return t.db.mgr.Rollback(t.txn, t.applyUndo)
}

func (t *Txn) applyUndo(e mvcc.UndoEntry) error {
	id := TreeID(e.TreeID)
	tree, err := t.db.treeFor(id)
	if err != nil {
		return err
	}
	before := tree.Root()

	var applyErr error
	switch e.Kind {
	case mvcc.UndoInsert:
		_, applyErr = tree.DeleteAs(t.txn.ID, e.Key)
	case mvcc.UndoDelete, mvcc.UndoUpdate:
		applyErr = tree.InsertAs(t.txn.ID, e.Key, e.Before)
	}
	if applyErr != nil {
		return applyErr
	}
	return t.db.syncDirectoryRoot(id, tree, before)
}

// blockingTxn identifies the transaction (if any) whose uncommitted write
// to chain's head version txn would conflict with, mirroring
// mvcc.CheckWriteConflict's two cases so the caller can register a
// waits-for edge against the same transaction HeadWriteConflict would
// report.
func blockingTxn(chain []mvcc.RowVersion, txn *mvcc.Txn, state func(uint64) mvcc.State) (uint64, bool) {
	if len(chain) == 0 {
		return 0, false
	}
	v := chain[0]
	if v.Xmax != 0 && v.Xmax != txn.ID && state(v.Xmax) != mvcc.Aborted {
		return v.Xmax, true
	}
	if v.Xmax == 0 && v.Xmin != txn.ID && state(v.Xmin) == mvcc.Active {
		return v.Xmin, true
	}
	return 0, false
}

// checkConflict runs HeadWriteConflict and, on conflict, registers a
// waits-for edge from t against the blocking transaction before
// reporting it: if that edge closes a cycle with t as the youngest
// participant, the more specific Deadlock error is returned instead of a
// plain WriteConflict. The edge never outlives this call — Horizon's
// conflict check is fail-fast rather than blocking, so there's nothing
// left to wait on once this call returns.
func (t *Txn) checkConflict(chain []mvcc.RowVersion) error {
	cerr := mvcc.HeadWriteConflict(chain, t.txn, t.db.mgr.StateOf)
	if cerr == nil {
		return nil
	}
	if blocker, waiting := blockingTxn(chain, t.txn, t.db.mgr.StateOf); waiting {
		if werr := t.db.mgr.RegisterWait(t.txn.ID, blocker); werr != nil {
			return werr
		}
		t.db.mgr.ClearWait(t.txn.ID, blocker)
	}
	return cerr
}

// Get returns the payload visible to t's snapshot at key in tree id, if
// any.
func (t *Txn) Get(id TreeID, key []byte) ([]byte, bool, error) {
	tree, err := t.db.treeFor(id)
	if err != nil {
		return nil, false, err
	}
	raw, found, err := tree.Search(key)
	if err != nil || !found {
		return nil, false, err
	}
	chain, err := mvcc.DecodeChain(raw)
	if err != nil {
		return nil, false, err
	}
	v, visible := mvcc.FindVisible(chain, t.txn, t.db.mgr.IsCommitted)
	if !visible {
		return nil, false, nil
	}
	return v.Data, true, nil
}

// Put inserts or updates key's payload in tree id. A concurrent writer
// that already touched key's current head without having committed or
// aborted yet causes WriteConflict.
func (t *Txn) Put(id TreeID, key, payload []byte) error {
	if t.db.mgr.ShouldAbort(t.txn.ID) {
		return herrors.New(herrors.KindDeadlock, "transaction %d chosen as deadlock victim", t.txn.ID)
	}

	tree, err := t.db.treeFor(id)
	if err != nil {
		return err
	}
	before := tree.Root()

	raw, found, err := tree.Search(key)
	if err != nil {
		return err
	}

	var chain []mvcc.RowVersion
	if found {
		chain, err = mvcc.DecodeChain(raw)
		if err != nil {
			return err
		}
		if err := t.checkConflict(chain); err != nil {
			return err
		}
	}

	var undoBefore []byte
	kind := mvcc.UndoInsert
	if found {
		kind = mvcc.UndoUpdate
		undoBefore = raw
		chain[0].Xmax = t.txn.ID
	}
	chain = append([]mvcc.RowVersion{{Xmin: t.txn.ID, Data: payload}}, chain...)

	if err := tree.InsertAs(t.txn.ID, key, mvcc.EncodeChain(chain)); err != nil {
		return err
	}
	t.txn.RecordUndo(mvcc.UndoEntry{Kind: kind, TreeID: uint32(id), Key: append([]byte{}, key...), Before: undoBefore})
	return t.db.syncDirectoryRoot(id, tree, before)
}

// Delete marks key's current version deleted by t. It reports whether a
// visible version was present to delete.
func (t *Txn) Delete(id TreeID, key []byte) (bool, error) {
	if t.db.mgr.ShouldAbort(t.txn.ID) {
		return false, herrors.New(herrors.KindDeadlock, "transaction %d chosen as deadlock victim", t.txn.ID)
	}

	tree, err := t.db.treeFor(id)
	if err != nil {
		return false, err
	}
	before := tree.Root()

	raw, found, err := tree.Search(key)
	if err != nil || !found {
		return false, err
	}
	chain, err := mvcc.DecodeChain(raw)
	if err != nil {
		return false, err
	}
	if _, visible := mvcc.FindVisible(chain, t.txn, t.db.mgr.IsCommitted); !visible {
		return false, nil
	}
	if err := t.checkConflict(chain); err != nil {
		return false, err
	}

	undoBefore := raw
	chain[0].Xmax = t.txn.ID

	if err := tree.InsertAs(t.txn.ID, key, mvcc.EncodeChain(chain)); err != nil {
		return false, err
	}
	t.txn.RecordUndo(mvcc.UndoEntry{Kind: mvcc.UndoDelete, TreeID: uint32(id), Key: append([]byte{}, key...), Before: undoBefore})
	return true, t.db.syncDirectoryRoot(id, tree, before)
}

// Direction controls Scan's iteration order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Row is one (key, payload) pair visible to a scan's snapshot.
type Row struct {
	Key     []byte
	Payload []byte
}

// Scan returns every row in [lower, upper) (nil bounds are open-ended)
// visible to t's snapshot, in dir order.
func (t *Txn) Scan(id TreeID, lower, upper []byte, dir Direction) ([]Row, error) {
	tree, err := t.db.treeFor(id)
	if err != nil {
		return nil, err
	}
	entries, err := tree.Scan(lower, upper)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		chain, err := mvcc.DecodeChain(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode version chain for key %x: %w", e.Key, err)
		}
		v, visible := mvcc.FindVisible(chain, t.txn, t.db.mgr.IsCommitted)
		if !visible {
			continue
		}
		rows = append(rows, Row{Key: e.Key, Payload: v.Data})
	}

	if dir == Backward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows, nil
}
