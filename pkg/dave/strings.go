package dave

import (
	"bytes"
	"fmt"
	"strings"

	common "github.com/beam-cloud/dave/pkg/common"
)

// davePathAlphabet maps packed 6-bit symbols to path characters. Symbols 48
// through 55 are control values and never index the table.
const davePathAlphabet = "\x00 #$()-./?0123456789_abcdefghijklmnopqrstuvwxyz~"

const (
	packedPrefixMarker = 0x38 // first symbols >= this switch an entry to prefix mode
	packedPrefixBias   = 0x20 // subtracted from the second symbol of a prefix pair
)

// StringTable decodes the entry paths referenced by a TOC. Packed tables
// reuse a prefix of the previously decoded path, so decoding is defined over
// a whole TOC in record order rather than per offset.
type StringTable interface {
	DecodePaths(entries []common.TOCEntry) ([]string, error)
}

// NewStringTable returns the path codec for the given variant over the raw
// string table region.
func NewStringTable(variant common.StringTableVariant, data []byte) StringTable {
	if variant == common.StringTablePacked {
		return &PackedStringTable{data: data}
	}
	return &RawStringTable{data: data}
}

// PackedStringTable reads the 6-bit packed path encoding found in shipped
// archives. Decode only; new archives always use the raw variant.
type PackedStringTable struct {
	data []byte
}

func (st *PackedStringTable) DecodePaths(entries []common.TOCEntry) ([]string, error) {
	paths := make([]string, len(entries))

	prev := ""
	for i, entry := range entries {
		path, err := st.decode(entry.NameOffset, prev)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		paths[i] = path
		prev = path
	}

	return paths, nil
}

// decode unpacks the symbol sequence starting at off. Symbols are packed
// little-endian: each takes its low bits from the current byte and its high
// bits from the carry of the previous one, and a zero symbol terminates the
// sequence. Every fourth symbol comes entirely out of the carry.
func (st *PackedStringTable) decode(off uint32, prev string) (string, error) {
	if int64(off) >= int64(len(st.data)) {
		return "", fmt.Errorf("%w: name offset %d in %d byte table", common.ErrStringTableOutOfBounds, off, len(st.data))
	}

	var symbols []byte
	pos := int64(off)
	carry := byte(0)
	carryBits := uint(0)

	for {
		var b byte
		if carryBits != 6 {
			if pos >= int64(len(st.data)) {
				return "", fmt.Errorf("%w: unterminated sequence at offset %d", common.ErrStringTableOutOfBounds, off)
			}
			b = st.data[pos]
			pos++
		}

		symbol := (b&(1<<(6-carryBits)-1))<<carryBits | carry>>(8-carryBits)
		if carryBits == 6 {
			carryBits = 0
		} else {
			carryBits = 8 - (6 - carryBits)
		}
		carry = b

		if symbol == 0 {
			break
		}
		symbols = append(symbols, symbol)
	}

	if len(symbols) == 0 {
		return "", nil
	}

	if symbols[0] < packedPrefixMarker {
		return decodeLiteral(symbols), nil
	}

	// Prefix mode: the first two symbols carry how many leading bytes to
	// reuse from the previous path, the rest is a literal tail.
	if len(symbols) < 2 {
		return "", fmt.Errorf("%w: truncated prefix pair at offset %d", common.ErrStringTableOutOfBounds, off)
	}

	prefixLen := int(symbols[0]) - packedPrefixMarker + (int(symbols[1])-packedPrefixBias)<<3
	if prefixLen < 0 || prefixLen > len(prev) {
		return "", fmt.Errorf("%w: prefix length %d exceeds previous path %q", common.ErrStringTableOutOfBounds, prefixLen, prev)
	}

	return prev[:prefixLen] + decodeLiteral(symbols[2:]), nil
}

// decodeLiteral maps plain symbols through the alphabet, dropping the
// reserved control range.
func decodeLiteral(symbols []byte) string {
	var sb strings.Builder
	for _, s := range symbols {
		if int(s) < len(davePathAlphabet) {
			sb.WriteByte(davePathAlphabet[s])
		}
	}
	return sb.String()
}

// RawStringTable reads plain null-separated paths.
type RawStringTable struct {
	data []byte
}

func (st *RawStringTable) DecodePaths(entries []common.TOCEntry) ([]string, error) {
	paths := make([]string, len(entries))

	for i, entry := range entries {
		if int64(entry.NameOffset) >= int64(len(st.data)) {
			return nil, fmt.Errorf("entry %d: %w: name offset %d in %d byte table", i, common.ErrStringTableOutOfBounds, entry.NameOffset, len(st.data))
		}

		rest := st.data[entry.NameOffset:]
		if end := bytes.IndexByte(rest, 0); end >= 0 {
			rest = rest[:end]
		}
		paths[i] = string(rest)
	}

	return paths, nil
}

// EncodeRawStringTable builds the raw string table region for the given
// archive paths and returns the region bytes along with each path's name
// offset. Paths are separated by single null bytes; the block padding that
// follows the region terminates the last one.
func EncodeRawStringTable(paths []string) ([]byte, []uint32) {
	offsets := make([]uint32, len(paths))

	var buf bytes.Buffer
	for i, p := range paths {
		offsets[i] = uint32(buf.Len())
		buf.WriteString(p)
		if i < len(paths)-1 {
			buf.WriteByte(0)
		}
	}

	return buf.Bytes(), offsets
}
