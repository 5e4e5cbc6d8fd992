package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newPager(t *testing.T) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.hdb")
	p, err := Open(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewDatabaseHasCorrectDefaults(t *testing.T) {
	p := newPager(t)
	require.EqualValues(t, 1, p.PageCount())
	require.Equal(t, NullPage, p.DirectoryRoot())
}

func TestMagicBytesAreWritten(t *testing.T) {
	p := newPager(t)
	page, err := p.ReadPage(0)
	require.NoError(t, err)
	require.Equal(t, magic[:], page[0:16])
}

func TestHeaderRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.hdb")

	func() {
		p, err := Open(path, false)
		require.NoError(t, err)
		defer p.Close()
		require.NoError(t, p.SetDirectoryRoot(42))
		_, err = p.NextTxnID()
		require.NoError(t, err)
		require.NoError(t, p.FlushHeader())
		require.NoError(t, p.Sync())
	}()

	p, err := Open(path, true)
	require.NoError(t, err)
	defer p.Close()
	require.EqualValues(t, 42, p.DirectoryRoot())
	require.EqualValues(t, 1, p.PageCount())
}

func TestReopenPreservesPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.hdb")

	func() {
		p, err := Open(path, false)
		require.NoError(t, err)
		defer p.Close()
		_, err = p.AllocatePage()
		require.NoError(t, err)
		_, err = p.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, p.Sync())
	}()

	p, err := Open(path, true)
	require.NoError(t, err)
	defer p.Close()
	require.EqualValues(t, 3, p.PageCount())
}

func TestWriteThenReadPage(t *testing.T) {
	p := newPager(t)
	id, err := p.AllocatePage()
	require.NoError(t, err)

	var data [PageSize]byte
	data[0] = 0xCA
	data[1] = 0xFE
	data[PageSize-1] = 0xFF
	require.NoError(t, p.WritePage(id, &data))

	readBack, err := p.ReadPage(id)
	require.NoError(t, err)
	require.Equal(t, byte(0xCA), readBack[0])
	require.Equal(t, byte(0xFE), readBack[1])
	require.Equal(t, byte(0xFF), readBack[PageSize-1])
}

func TestReadOutOfRangeReturnsError(t *testing.T) {
	p := newPager(t)
	_, err := p.ReadPage(999)
	require.Error(t, err)
}

func TestAllocateExtendsFile(t *testing.T) {
	p := newPager(t)
	require.EqualValues(t, 1, p.PageCount())

	p1, err := p.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 1, p1)
	require.EqualValues(t, 2, p.PageCount())

	p2, err := p.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 2, p2)
	require.EqualValues(t, 3, p.PageCount())
}

func TestAllocatedPageIsZeroed(t *testing.T) {
	p := newPager(t)
	id, err := p.AllocatePage()
	require.NoError(t, err)
	page, err := p.ReadPage(id)
	require.NoError(t, err)
	for _, b := range page {
		require.Zero(t, b)
	}
}

func TestFreeAndReusePage(t *testing.T) {
	p := newPager(t)

	p1, err := p.AllocatePage()
	require.NoError(t, err)
	_, err = p.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 3, p.PageCount())

	require.NoError(t, p.FreePage(p1))
	recycled, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, p1, recycled)
	require.EqualValues(t, 3, p.PageCount())

	p3, err := p.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 3, p3)
	require.EqualValues(t, 4, p.PageCount())
}

func TestFreeListIsLIFO(t *testing.T) {
	p := newPager(t)

	p1, _ := p.AllocatePage()
	p2, _ := p.AllocatePage()
	p3, _ := p.AllocatePage()

	require.NoError(t, p.FreePage(p1))
	require.NoError(t, p.FreePage(p2))
	require.NoError(t, p.FreePage(p3))

	r1, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, p3, r1)
	r2, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, p2, r2)
	r3, err := p.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, p1, r3)
}

func TestCannotFreePageZero(t *testing.T) {
	p := newPager(t)
	err := p.FreePage(0)
	require.Error(t, err)
}

func TestFreeListSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.hdb")

	func() {
		p, err := Open(path, false)
		require.NoError(t, err)
		defer p.Close()
		p1, err := p.AllocatePage()
		require.NoError(t, err)
		_, err = p.AllocatePage()
		require.NoError(t, err)
		require.NoError(t, p.FreePage(p1))
		require.NoError(t, p.Sync())
	}()

	p, err := Open(path, false)
	require.NoError(t, err)
	defer p.Close()
	recycled, err := p.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 1, recycled)
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.hdb")
	p, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	ro, err := Open(path, true)
	require.NoError(t, err)
	defer ro.Close()

	var data [PageSize]byte
	require.Error(t, ro.WritePage(0, &data))
	_, err = ro.AllocatePage()
	require.Error(t, err)
	require.Error(t, ro.FreePage(1))
}

func TestRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.hdb")
	p, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	// Corrupt the magic bytes directly.
	raw, err := Open(path, false)
	require.NoError(t, err)
	var page [PageSize]byte
	for i := range page {
		page[i] = 0xFF
	}
	_, err = raw.file.WriteAt(page[:], 0)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = Open(path, false)
	require.Error(t, err)
}

func TestAllocateManyPages(t *testing.T) {
	p := newPager(t)
	for i := 1; i <= 100; i++ {
		id, err := p.AllocatePage()
		require.NoError(t, err)
		require.EqualValues(t, i, id)
	}
	require.EqualValues(t, 101, p.PageCount())
}
