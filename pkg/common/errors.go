package common

import "errors"

var (
	ErrFileHeaderMismatch     = errors.New("unexpected archive header")
	ErrTOCOutOfBounds         = errors.New("toc record out of archive bounds")
	ErrStringTableOutOfBounds = errors.New("string table offset out of bounds")
	ErrDecompressionFailed    = errors.New("payload decompression failed")
	ErrMissingUnpackRoot      = errors.New("unpack destination does not exist")
	ErrMissingArchiveRoot     = errors.New("no root node found")
)
