package common

import (
	"bytes"
)

var (
	DaveMagicPacked []byte = []byte{0x44, 0x61, 0x76, 0x65} // "Dave"
	DaveMagicRaw    []byte = []byte{0x44, 0x41, 0x56, 0x45} // "DAVE"
)

const (
	DaveBlockSize      = 0x800
	DaveHeaderLength   = 0x800
	DaveTOCEntryLength = 16
)

// StringTableVariant selects how entry paths are encoded in the string table
// region. The variant is carried in the header magic: "Dave" means packed
// 6-bit sequences, "DAVE" means plain null-separated strings.
type StringTableVariant string

const (
	StringTablePacked StringTableVariant = "packed"
	StringTableRaw    StringTableVariant = "raw"
)

/*

A dave archive is laid out in 0x800-byte blocks:

	Header        1 block
	TOC           EntryCount 16-byte records, zero padded to a block boundary
	String table  entry paths, zero padded to a block boundary
	Payloads      one zero-padded run of blocks per file entry

*/

type DaveArchiveHeader struct {
	Magic                 [4]byte
	EntryCount            uint32
	TOCByteLength         uint32
	StringTableByteLength uint32
}

// Variant maps the header magic to a string table variant.
func (h *DaveArchiveHeader) Variant() (StringTableVariant, error) {
	switch {
	case bytes.Equal(h.Magic[:], DaveMagicPacked):
		return StringTablePacked, nil
	case bytes.Equal(h.Magic[:], DaveMagicRaw):
		return StringTableRaw, nil
	}
	return "", ErrFileHeaderMismatch
}

// TOCEntry is one fixed-size table-of-contents record. All fields are
// little-endian on the wire. Directory entries carry zeros in every field
// except NameOffset.
type TOCEntry struct {
	NameOffset       uint32
	FileOffset       uint32
	UncompressedSize uint32
	CompressedSize   uint32
}

// IsCompressed reports whether the payload is deflate compressed. The format
// has no flag for this; equal sizes mean the payload was stored raw.
func (e *TOCEntry) IsCompressed() bool {
	return e.UncompressedSize != e.CompressedSize
}

// Pad rounds n up to the next block boundary.
func Pad(n int64) int64 {
	if r := n % DaveBlockSize; r != 0 {
		return n + DaveBlockSize - r
	}
	return n
}

// PadRest returns how many zero bytes follow n to reach the next block boundary.
func PadRest(n int64) int64 {
	return Pad(n) - n
}
