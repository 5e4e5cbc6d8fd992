package pager

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"horizon/herrors"
)

// HeaderSize is the number of bytes at the front of page 0 occupied by the
// file header. The remainder of page 0 (up to PageSize) is reserved.
const HeaderSize = 100

// magic identifies a Horizon database file. 16 bytes, null-padded.
var magic = [16]byte{'H', 'o', 'r', 'i', 'z', 'o', 'n', 'D', 'B', ' ', 'v', '1'}

// formatVersion is bumped whenever the on-disk layout changes in a
// backward-incompatible way.
const formatVersion uint32 = 1

// header is the in-memory mirror of the fields stored in page 0. Integers
// are little-endian on disk, per spec §3 and §6.2.
type header struct {
	PageCount          uint32
	FreeListHead       PageID
	SchemaGeneration   uint32
	NextTxnID          uint64
	LastCommittedTxnID uint64
	DirectoryRoot      PageID
}

// Byte offsets within the header region.
const (
	offMagic              = 0
	offVersion            = 16
	offPageSize           = 20
	offPageCount          = 24
	offFreeListHead       = 28
	offSchemaGeneration   = 32
	offNextTxnID          = 36
	offLastCommittedTxnID = 44
	offDirectoryRoot      = 52
	offChecksum           = 56
	checksummedLen        = 56 // bytes [0:56) are covered by the checksum at 56
)

// flushHeader serializes the in-memory header into page 0 and writes the
// whole page back to disk. Callers must hold the pager's write lock.
func (p *Pager) flushHeader() error {
	if err := p.ensureWritable(); err != nil {
		return err
	}

	var page [PageSize]byte
	// Preserve a pre-existing page 0 (e.g. during a from-scratch write we
	// still want a zeroed tail) by reading it first when possible.
	_, _ = p.file.ReadAt(page[:], 0)

	copy(page[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(page[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(page[offPageSize:], PageSize)
	binary.LittleEndian.PutUint32(page[offPageCount:], p.header.PageCount)
	binary.LittleEndian.PutUint32(page[offFreeListHead:], uint32(p.header.FreeListHead))
	binary.LittleEndian.PutUint32(page[offSchemaGeneration:], p.header.SchemaGeneration)
	binary.LittleEndian.PutUint64(page[offNextTxnID:], p.header.NextTxnID)
	binary.LittleEndian.PutUint64(page[offLastCommittedTxnID:], p.header.LastCommittedTxnID)
	binary.LittleEndian.PutUint32(page[offDirectoryRoot:], uint32(p.header.DirectoryRoot))

	checksum := xxhash.Sum64(page[:checksummedLen])
	binary.LittleEndian.PutUint64(page[offChecksum:], checksum)

	for i := HeaderSize; i < PageSize; i++ {
		page[i] = 0
	}

	if _, err := p.file.WriteAt(page[:], 0); err != nil {
		return herrors.Wrap(herrors.KindIO, "flush file header", err)
	}
	return nil
}

// readHeader loads and validates the header from page 0, populating the
// in-memory header. Callers must hold the pager's write lock, or, like
// Open, call it before any other goroutine can see the Pager.
func (p *Pager) readHeader() error {
	var buf [HeaderSize]byte
	if _, err := p.file.ReadAt(buf[:], 0); err != nil {
		return herrors.Wrap(herrors.KindIO, "read file header", err)
	}

	for i := 0; i < 16; i++ {
		if buf[offMagic+i] != magic[i] {
			return herrors.New(herrors.KindCorrupt, "invalid magic bytes — not a Horizon DB file")
		}
	}

	version := binary.LittleEndian.Uint32(buf[offVersion:])
	if version != formatVersion {
		return herrors.New(herrors.KindVersionMismatch, "unsupported format version %d (expected %d)", version, formatVersion)
	}

	storedPageSize := binary.LittleEndian.Uint32(buf[offPageSize:])
	if storedPageSize != PageSize {
		return herrors.New(herrors.KindCorrupt, "unexpected page size %d (expected %d)", storedPageSize, PageSize)
	}

	wantChecksum := binary.LittleEndian.Uint64(buf[offChecksum:])
	gotChecksum := xxhash.Sum64(buf[:checksummedLen])
	if wantChecksum != gotChecksum {
		return herrors.New(herrors.KindCorrupt, "file header checksum mismatch")
	}

	p.header = header{
		PageCount:          binary.LittleEndian.Uint32(buf[offPageCount:]),
		FreeListHead:       PageID(binary.LittleEndian.Uint32(buf[offFreeListHead:])),
		SchemaGeneration:   binary.LittleEndian.Uint32(buf[offSchemaGeneration:]),
		NextTxnID:          binary.LittleEndian.Uint64(buf[offNextTxnID:]),
		LastCommittedTxnID: binary.LittleEndian.Uint64(buf[offLastCommittedTxnID:]),
		DirectoryRoot:      PageID(binary.LittleEndian.Uint32(buf[offDirectoryRoot:])),
	}
	return nil
}

// FlushHeader persists the in-memory header to page 0. Exposed for callers
// that need to force a header write outside the mutating accessors above.
func (p *Pager) FlushHeader() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushHeader()
}
