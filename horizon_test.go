package horizon

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"horizon/herrors"
)

func rowKey(i int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

func openTestDB(t *testing.T, path string) *Db {
	t.Helper()
	db, err := Open(path, Options{})
	require.NoError(t, err)
	return db
}

func TestCommittedWriteSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	require.NoError(t, txn.Put(tree, []byte("k"), []byte("v1")))
	require.NoError(t, txn.Commit())
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	defer db2.Close()
	reader := db2.Begin()
	v, found, err := reader.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

// TestSnapshotSeesValueAsOfBegin exercises spec scenario 2: a transaction's
// snapshot keeps showing the value visible at its own Begin, even after a
// later transaction commits a new value, while a transaction that begins
// after the update sees the new value.
func TestSnapshotSeesValueAsOfBegin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	t1 := db.Begin()
	require.NoError(t, t1.Put(tree, []byte("k"), []byte("a")))
	require.NoError(t, t1.Commit())

	t2 := db.Begin()

	t3 := db.Begin()
	require.NoError(t, t3.Put(tree, []byte("k"), []byte("b")))
	require.NoError(t, t3.Commit())

	v, found, err := t2.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("a"), v, "snapshot predating the update must still see the old value")

	t4 := db.Begin()
	v, found, err = t4.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("b"), v)
}

// TestConcurrentWriteToSameRowConflicts exercises spec scenario 3:
// first-writer-wins, and the loser's read after the winner commits sees
// the winner's value.
func TestConcurrentWriteToSameRowConflicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	t1 := db.Begin()
	require.NoError(t, t1.Put(tree, []byte("k"), []byte("x")))

	t2 := db.Begin()
	err = t2.Put(tree, []byte("k"), []byte("y"))
	require.Error(t, err)
	require.True(t, herrors.Of(err, herrors.KindWriteConflict))
	require.NoError(t, t2.Rollback())

	require.NoError(t, t1.Commit())

	t3 := db.Begin()
	v, found, err := t3.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("x"), v)
}

// TestUncommittedWritesDoNotSurviveCrash exercises spec scenario 4: a
// transaction that inserts many rows but never commits leaves no trace
// once the process is killed and the database reopened.
func TestUncommittedWritesDoNotSurviveCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	for i := 0; i < 1000; i++ {
		require.NoError(t, txn.Put(tree, rowKey(i), []byte("row")))
	}
	// No commit: simulate the process dying with the transaction in flight.
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	defer db2.Close()
	reader := db2.Begin()
	rows, err := reader.Scan(tree, nil, nil, Forward)
	require.NoError(t, err)
	require.Empty(t, rows)
}

// TestPartialCommitsSurviveCrash exercises spec scenario 5: of ten
// transactions each writing 100 rows, only the first seven commit before
// the crash; an eighth is left mid-write. Reopening must show exactly the
// 700 rows from the committed transactions.
func TestPartialCommitsSurviveCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	tree, err := db.CreateTree()
	require.NoError(t, err)

	const perTxn = 100
	for batch := 0; batch < 7; batch++ {
		txn := db.Begin()
		for i := 0; i < perTxn; i++ {
			key := rowKey(batch*perTxn + i)
			require.NoError(t, txn.Put(tree, key, []byte(fmt.Sprintf("row-%d", batch))))
		}
		require.NoError(t, txn.Commit())
	}

	// An eighth transaction starts writing but never commits.
	stray := db.Begin()
	for i := 0; i < perTxn; i++ {
		key := rowKey(7*perTxn + i)
		require.NoError(t, stray.Put(tree, key, []byte("row-7")))
	}

	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	defer db2.Close()
	reader := db2.Begin()
	rows, err := reader.Scan(tree, nil, nil, Forward)
	require.NoError(t, err)
	require.Len(t, rows, 700)
}

func TestDeleteRemovesVisibleRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	require.NoError(t, txn.Put(tree, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	del := db.Begin()
	removed, err := del.Delete(tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, del.Commit())

	reader := db.Begin()
	_, found, err := reader.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	require.NoError(t, txn.Put(tree, []byte("k"), []byte("v")))
	require.NoError(t, txn.Rollback())

	reader := db.Begin()
	_, found, err := reader.Get(tree, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDropTreeRemovesTreeAndRejectsFurtherUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	require.NoError(t, txn.Put(tree, []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	require.NoError(t, db.DropTree(tree))

	reader := db.Begin()
	_, _, err = reader.Get(tree, []byte("k"))
	require.Error(t, err)
}

func TestTransactionIDsDoNotCollideAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	tree, err := db.CreateTree()
	require.NoError(t, err)

	txn := db.Begin()
	require.NoError(t, txn.Put(tree, []byte("k"), []byte("v1")))
	require.NoError(t, txn.Commit())
	firstID := txn.txn.ID
	require.NoError(t, db.Close())

	db2 := openTestDB(t, path)
	defer db2.Close()
	next := db2.Begin()
	require.Greater(t, next.txn.ID, firstID, "a restarted manager must not reissue an id a prior session already committed")
}

func TestDroppedTreeRejectsFurtherUse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)
	require.NoError(t, db.DropTree(tree))

	reader := db.Begin()
	_, _, err = reader.Get(tree, []byte("k"))
	require.Error(t, err)
	require.True(t, herrors.Of(err, herrors.KindNotFound))
}

// TestConcurrentWritersToSameTree drives many goroutines at one shared Db
// and tree id, each with its own Txn on its own key range. It exercises the
// per-frame lock (two writers touching the same leaf page must not tear each
// other's writes), the Db.trees cache (every goroutine must land on the same
// *btree.Tree so Tree.mu actually serializes them), all at once. It is
// only meaningful under `go test -race`.
func TestConcurrentWritersToSameTree(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)

	const writers = 16
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := rowKey(w*perWriter + i)
				txn := db.Begin()
				if err := txn.Put(tree, key, fmt.Appendf(nil, "w%d-%d", w, i)); err != nil {
					errs[w] = err
					_ = txn.Rollback()
					return
				}
				if err := txn.Commit(); err != nil {
					errs[w] = err
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		require.NoError(t, errs[w], "writer %d", w)
	}

	reader := db.Begin()
	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := rowKey(w*perWriter + i)
			v, found, err := reader.Get(tree, key)
			require.NoError(t, err)
			require.True(t, found, "missing key from writer %d index %d", w, i)
			require.Equal(t, fmt.Appendf(nil, "w%d-%d", w, i), v)
		}
	}
}

// TestConcurrentWritersSameRowRace hammers a single key from many goroutines
// at once: every writer races the same leaf page and the same MVCC chain.
// Exactly one outcome is acceptable per attempt — a clean commit or a
// WriteConflict/Deadlock error — never a panic, a lost update silently
// masked as success, or corruption that later reads would surface.
func TestConcurrentWritersSameRowRace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hdb")

	db := openTestDB(t, path)
	defer db.Close()
	tree, err := db.CreateTree()
	require.NoError(t, err)
	key := []byte("contended")

	const writers = 32

	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			txn := db.Begin()
			err := txn.Put(tree, key, fmt.Appendf(nil, "writer-%d", w))
			if err != nil {
				require.True(t, herrors.Of(err, herrors.KindWriteConflict) || herrors.Of(err, herrors.KindDeadlock))
				_ = txn.Rollback()
				return
			}
			if err := txn.Commit(); err != nil {
				require.True(t, herrors.Of(err, herrors.KindDeadlock))
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	require.GreaterOrEqual(t, successes, int64(1), "at least one writer must win the contended key")

	reader := db.Begin()
	v, found, err := reader.Get(tree, key)
	require.NoError(t, err)
	require.True(t, found)
	require.Contains(t, string(v), "writer-")
}
