package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"horizon/storage_engine/pager"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.hdb-wal")
	m, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newPagerAt(t *testing.T, dir string) *pager.Pager {
	t.Helper()
	p, err := pager.Open(filepath.Join(dir, "test.hdb"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	// Allocate pages 1..10 so the tests' WAL frames name pages in range.
	for i := 0; i < 10; i++ {
		_, err := p.AllocatePage()
		require.NoError(t, err)
	}
	return p
}

func imageOf(b byte) *[pager.PageSize]byte {
	var img [pager.PageSize]byte
	img[0] = b
	return &img
}

func TestAppendThenReadPage(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Append(5, 1, imageOf(0xAB)))

	img, err := m.ReadPage(5)
	require.NoError(t, err)
	require.NotNil(t, img)
	require.Equal(t, byte(0xAB), img[0])
}

func TestReadPageMissingReturnsNil(t *testing.T) {
	m := newManager(t)
	img, err := m.ReadPage(42)
	require.NoError(t, err)
	require.Nil(t, img)
}

func TestLastFrameWinsPerPage(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Append(5, 1, imageOf(1)))
	require.NoError(t, m.Append(5, 1, imageOf(2)))

	img, err := m.ReadPage(5)
	require.NoError(t, err)
	require.Equal(t, byte(2), img[0])
}

func TestCommittedTransactionAppliesOnRecover(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 7, imageOf(0x11)))
	require.NoError(t, m.Commit(7))

	report, err := m.Recover(p)
	require.NoError(t, err)
	require.Equal(t, 1, report.FramesApplied)

	page, err := p.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), page[0])
}

func TestUncommittedTransactionDiscardedOnRecover(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 7, imageOf(0x11)))
	// No commit frame appended: the crash happened before commit.

	report, err := m.Recover(p)
	require.NoError(t, err)
	require.Equal(t, 0, report.FramesApplied)

	page, err := p.ReadPage(1)
	require.NoError(t, err)
	require.Zero(t, page[0])
}

func TestRecoverAppliesOnlyCommittedPrefix(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	// Ten transactions, only the first seven commit.
	for txn := uint64(1); txn <= 10; txn++ {
		require.NoError(t, m.Append(pager.PageID(txn), txn, imageOf(byte(txn))))
		if txn <= 7 {
			require.NoError(t, m.Commit(txn))
		}
	}

	report, err := m.Recover(p)
	require.NoError(t, err)
	require.Equal(t, 7, report.FramesApplied)

	for txn := uint64(1); txn <= 7; txn++ {
		page, err := p.ReadPage(pager.PageID(txn))
		require.NoError(t, err)
		require.Equal(t, byte(txn), page[0])
	}
	for txn := uint64(8); txn <= 10; txn++ {
		page, err := p.ReadPage(pager.PageID(txn))
		require.NoError(t, err)
		require.Zero(t, page[0])
	}
}

func TestRecoverStopsAtFirstInvalidChecksum(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 1, imageOf(0x01)))
	require.NoError(t, m.Commit(1))
	require.NoError(t, m.Append(2, 2, imageOf(0x02)))
	require.NoError(t, m.Commit(2))

	// Corrupt the third frame's checksum byte (transaction 2's page write;
	// frames 1 and 2 are transaction 1's page write and commit).
	var frame [FrameSize]byte
	_, err := m.file.ReadAt(frame[:], 2*FrameSize)
	require.NoError(t, err)
	frame[12] ^= 0xFF
	_, err = m.file.WriteAt(frame[:], 2*FrameSize)
	require.NoError(t, err)

	report, err := m.Recover(p)
	require.NoError(t, err)
	require.Equal(t, 2, report.FramesScanned)
	require.Equal(t, 1, report.FramesApplied)

	page, err := p.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(0x01), page[0])
}

func TestRecoverTruncatesWAL(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 1, imageOf(0x01)))
	require.NoError(t, m.Commit(1))

	_, err := m.Recover(p)
	require.NoError(t, err)
	require.EqualValues(t, 0, m.FrameCount())
	require.False(t, m.ContainsPage(1))
}

func TestCheckpointAppliesAllFramesRegardlessOfCommit(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 1, imageOf(0x42)))
	// No commit: checkpoint still applies it (steal policy).

	require.NoError(t, m.Checkpoint(p))

	page, err := p.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), page[0])
	require.EqualValues(t, 0, m.FrameCount())
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := newManager(t)
	p := newPagerAt(t, dir)

	require.NoError(t, m.Append(1, 1, imageOf(0x01)))
	require.NoError(t, m.Commit(1))

	_, err := m.Recover(p)
	require.NoError(t, err)

	report, err := m.Recover(p)
	require.NoError(t, err)
	require.Equal(t, 0, report.FramesScanned)
	require.Equal(t, 0, report.FramesApplied)
}
