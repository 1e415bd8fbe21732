package common

import (
	"errors"
	"testing"
)

func TestPad(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 0},
		{1, 0x800},
		{0x7FF, 0x800},
		{0x800, 0x800},
		{0x801, 0x1000},
		{0x2800, 0x2800},
	}
	for _, c := range cases {
		if got := Pad(c.in); got != c.want {
			t.Errorf("Pad(%#x) = %#x, want %#x", c.in, got, c.want)
		}
		if got := PadRest(c.in); got != c.want-c.in {
			t.Errorf("PadRest(%#x) = %#x, want %#x", c.in, got, c.want-c.in)
		}
	}
}

func TestHeaderVariant(t *testing.T) {
	header := &DaveArchiveHeader{}

	copy(header.Magic[:], DaveMagicPacked)
	variant, err := header.Variant()
	if err != nil || variant != StringTablePacked {
		t.Errorf("packed magic: got %q, %v", variant, err)
	}

	copy(header.Magic[:], DaveMagicRaw)
	variant, err = header.Variant()
	if err != nil || variant != StringTableRaw {
		t.Errorf("raw magic: got %q, %v", variant, err)
	}

	copy(header.Magic[:], "davE")
	if _, err := header.Variant(); !errors.Is(err, ErrFileHeaderMismatch) {
		t.Errorf("unknown magic: got %v, want ErrFileHeaderMismatch", err)
	}
}

func TestTOCEntryIsCompressed(t *testing.T) {
	stored := &TOCEntry{UncompressedSize: 100, CompressedSize: 100}
	if stored.IsCompressed() {
		t.Error("equal sizes mean a stored payload")
	}

	deflated := &TOCEntry{UncompressedSize: 100, CompressedSize: 40}
	if !deflated.IsCompressed() {
		t.Error("differing sizes mean a deflated payload")
	}

	// Directory records are all zeros and never compressed
	dir := &TOCEntry{NameOffset: 6}
	if dir.IsCompressed() {
		t.Error("directory records are not compressed")
	}
}
