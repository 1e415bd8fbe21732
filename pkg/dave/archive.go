package dave

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"path"
	"sort"
	"strings"

	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/rs/zerolog/log"

	common "github.com/beam-cloud/dave/pkg/common"

	"github.com/tidwall/btree"
)

const (
	packProgressInterval   = 500
	unpackProgressInterval = 100
)

type DaveArchiverOptions struct {
	Verbose      bool
	Compress     bool
	ProgressChan chan<- int
}

type DaveArchiver struct {
}

func NewDaveArchiver() *DaveArchiver {
	return &DaveArchiver{}
}

func (da *DaveArchiver) newIndex() *btree.BTree {
	compare := func(a, b interface{}) bool {
		return a.(*common.DaveNode).Path < b.(*common.DaveNode).Path
	}
	return btree.New(compare)
}

// InodeGenerator generates unique inodes for each DaveNode
type InodeGenerator struct {
	current uint64
}

func (ig *InodeGenerator) Next() uint64 {
	ig.current++
	return ig.current
}

// Pack enumerates the source, sorts the entries into TOC order and writes a
// complete archive to out. The header and string table are final on the
// first pass; the TOC is written as a placeholder and patched once payload
// offsets and compressed sizes are known, so only one payload is held in
// memory at a time.
func (da *DaveArchiver) Pack(source AssetSource, out io.WriteSeeker, opts DaveArchiverOptions) error {
	assets, err := source.Enumerate()
	if err != nil {
		return err
	}

	// TOC order is ascending byte order of the archive paths
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Path < assets[j].Path
	})

	paths := make([]string, len(assets))
	for i, asset := range assets {
		paths[i] = asset.Path
	}

	stData, nameOffsets := EncodeRawStringTable(paths)

	// The region is sized as if every path had its own terminator; the last
	// one comes out of the padding.
	stSize := int64(len(stData))
	if len(paths) > 0 {
		stSize++
	}

	tocLength := common.Pad(int64(len(assets)) * common.DaveTOCEntryLength)
	stLength := common.Pad(stSize)

	header := common.DaveArchiveHeader{
		EntryCount:            uint32(len(assets)),
		TOCByteLength:         uint32(tocLength),
		StringTableByteLength: uint32(stLength),
	}
	copy(header.Magic[:], common.DaveMagicRaw)

	headerBytes, err := da.EncodeHeader(&header)
	if err != nil {
		return err
	}
	if _, err := out.Write(headerBytes); err != nil {
		return err
	}

	// Write placeholder bytes for the TOC
	tocPos := int64(common.DaveHeaderLength)
	if _, err := out.Write(make([]byte, tocLength)); err != nil {
		return err
	}

	if _, err := out.Write(stData); err != nil {
		return err
	}
	if pad := stLength - int64(len(stData)); pad > 0 {
		if _, err := out.Write(make([]byte, pad)); err != nil {
			return err
		}
	}

	writer := bufio.NewWriterSize(out, 512*1024)

	entries := make([]common.TOCEntry, len(assets))
	fileOffset := int64(common.DaveHeaderLength) + tocLength + stLength

	for i, asset := range assets {
		entries[i].NameOffset = nameOffsets[i]

		if opts.Verbose {
			log.Info().Msgf("Archiving... %s", asset.Path)
		}
		if i%packProgressInterval == 0 {
			log.Info().Msgf("Packed %d of %d entries", i, len(assets))
			if opts.ProgressChan != nil {
				opts.ProgressChan <- i
			}
		}

		// Directory records keep zeros in every field but the name offset
		if asset.IsDir {
			continue
		}

		f, err := source.Open(asset.Path)
		if err != nil {
			return fmt.Errorf("error opening source file %s: %v", asset.Path, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("error reading source file %s: %v", asset.Path, err)
		}

		payload := data
		if opts.Compress {
			payload, err = deflatePayload(data)
			if err != nil {
				return err
			}
		}

		if fileOffset > math.MaxUint32 {
			return fmt.Errorf("archive exceeds the 4 GiB the toc can address")
		}

		entries[i].FileOffset = uint32(fileOffset)
		entries[i].UncompressedSize = uint32(len(data))
		entries[i].CompressedSize = uint32(len(payload))

		if _, err := writer.Write(payload); err != nil {
			return err
		}
		if err := writePadding(writer, int64(len(payload))); err != nil {
			return err
		}

		fileOffset += common.Pad(int64(len(payload)))
	}

	if err := writer.Flush(); err != nil {
		return err
	}

	// Patch the real TOC over the placeholder
	if _, err := out.Seek(tocPos, io.SeekStart); err != nil {
		return err
	}
	tocBuf := new(bytes.Buffer)
	if err := binary.Write(tocBuf, binary.LittleEndian, entries); err != nil {
		return err
	}
	if _, err := out.Write(tocBuf.Bytes()); err != nil {
		return err
	}
	if _, err := out.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	if opts.ProgressChan != nil {
		opts.ProgressChan <- len(assets)
	}

	return nil
}

// ParseMetadata reads the header, TOC and string table regions and builds
// the in-memory index of the archive. The reader only needs to serve three
// range reads, so it works as well over S3 or HTTP as over a local file.
func (da *DaveArchiver) ParseMetadata(ra io.ReaderAt) (*common.DaveArchiveMetadata, error) {
	headerBytes := make([]byte, common.DaveHeaderLength)
	if _, err := ra.ReadAt(headerBytes, 0); err != nil {
		return nil, common.ErrFileHeaderMismatch
	}

	header, err := da.DecodeHeader(headerBytes)
	if err != nil {
		return nil, common.ErrFileHeaderMismatch
	}

	variant, err := header.Variant()
	if err != nil {
		return nil, err
	}

	if int64(header.EntryCount)*common.DaveTOCEntryLength > int64(header.TOCByteLength) {
		return nil, fmt.Errorf("%w: %d records do not fit in %d toc bytes", common.ErrTOCOutOfBounds, header.EntryCount, header.TOCByteLength)
	}

	entries := make([]common.TOCEntry, header.EntryCount)
	if header.EntryCount > 0 {
		tocBytes := make([]byte, int64(header.EntryCount)*common.DaveTOCEntryLength)
		if _, err := ra.ReadAt(tocBytes, common.DaveHeaderLength); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrTOCOutOfBounds, err)
		}
		if err := binary.Read(bytes.NewReader(tocBytes), binary.LittleEndian, entries); err != nil {
			return nil, err
		}
	}

	stBytes := make([]byte, header.StringTableByteLength)
	if header.StringTableByteLength > 0 {
		stPos := int64(common.DaveHeaderLength) + int64(header.TOCByteLength)
		if _, err := ra.ReadAt(stBytes, stPos); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrStringTableOutOfBounds, err)
		}
	}

	archivePaths, err := NewStringTable(variant, stBytes).DecodePaths(entries)
	if err != nil {
		return nil, err
	}

	return da.buildMetadata(header, variant, entries, archivePaths)
}

func (da *DaveArchiver) buildMetadata(header *common.DaveArchiveHeader, variant common.StringTableVariant, entries []common.TOCEntry, archivePaths []string) (*common.DaveArchiveMetadata, error) {
	index := da.newIndex()
	inodeGen := &InodeGenerator{current: 0}

	root := &common.DaveNode{
		Path:     "/",
		NodeType: common.DirNode,
		Attr: fuse.Attr{
			Ino:   inodeGen.Next(),
			Mode:  fuse.S_IFDIR | 0755,
			Nlink: 1,
		},
	}
	index.Set(root)

	nodes := make([]*common.DaveNode, 0, len(entries))
	for i, entry := range entries {
		nodeType := common.FileNode
		if strings.HasSuffix(archivePaths[i], "/") {
			nodeType = common.DirNode
		}

		node := &common.DaveNode{
			Path:     normalizePath(archivePaths[i]),
			NodeType: nodeType,
			TOCEntry: entry,
		}

		if nodeType == common.DirNode {
			node.Attr = fuse.Attr{
				Ino:   inodeGen.Next(),
				Mode:  fuse.S_IFDIR | 0755,
				Nlink: 1,
			}
		} else {
			node.Attr = fuse.Attr{
				Ino:   inodeGen.Next(),
				Size:  uint64(entry.UncompressedSize),
				Mode:  fuse.S_IFREG | 0644,
				Nlink: 1,
			}
		}

		nodes = append(nodes, node)
		index.Set(node)
	}

	// Some archives omit records for intermediate directories; their children
	// still need parents in the index
	for _, node := range nodes {
		dir := path.Dir(node.Path)
		for dir != "/" && dir != "." {
			if index.Get(&common.DaveNode{Path: dir}) == nil {
				index.Set(&common.DaveNode{
					Path:     dir,
					NodeType: common.DirNode,
					Attr: fuse.Attr{
						Ino:   inodeGen.Next(),
						Mode:  fuse.S_IFDIR | 0755,
						Nlink: 1,
					},
				})
			}
			dir = path.Dir(dir)
		}
	}

	return &common.DaveArchiveMetadata{
		Header:  *header,
		Variant: variant,
		Nodes:   nodes,
		Index:   index,
	}, nil
}

// Unpack parses the archive and writes every entry to the sink.
func (da *DaveArchiver) Unpack(ra io.ReaderAt, sink AssetSink, opts DaveArchiverOptions) error {
	metadata, err := da.ParseMetadata(ra)
	if err != nil {
		return err
	}
	return da.UnpackWithMetadata(ra, metadata, sink, opts)
}

// UnpackWithMetadata writes every entry of an already parsed archive to the
// sink, in TOC order.
func (da *DaveArchiver) UnpackWithMetadata(ra io.ReaderAt, metadata *common.DaveArchiveMetadata, sink AssetSink, opts DaveArchiverOptions) error {
	total := len(metadata.Nodes)

	for i, node := range metadata.Nodes {
		if opts.Verbose {
			log.Info().Msgf("Extracting... %s", node.Path)
		}
		if i%unpackProgressInterval == 0 {
			log.Info().Msgf("Extracted %d entries, %d remaining", i, total-i)
			if opts.ProgressChan != nil {
				opts.ProgressChan <- i
			}
		}

		rel := node.ArchivePath()

		if node.IsDir() {
			if err := sink.EnsureDir(rel); err != nil {
				return fmt.Errorf("error creating directory %s: %v", node.Path, err)
			}
			continue
		}

		// Parent directories may have no record of their own
		if parent := path.Dir(rel); parent != "." {
			if err := sink.EnsureDir(parent); err != nil {
				return fmt.Errorf("error creating directory %s: %v", parent, err)
			}
		}

		data, err := da.readEntryPayload(ra, node)
		if err != nil {
			return err
		}

		if err := sink.WriteFile(rel, data); err != nil {
			return fmt.Errorf("error extracting file %s: %v", node.Path, err)
		}
	}

	if opts.ProgressChan != nil {
		opts.ProgressChan <- total
	}

	return nil
}

// readEntryPayload reads one entry's stored bytes and inflates them when the
// TOC says the payload was compressed.
func (da *DaveArchiver) readEntryPayload(ra io.ReaderAt, node *common.DaveNode) ([]byte, error) {
	payload := make([]byte, node.CompressedSize)

	// An empty entry that sorts last has its offset at the very end of the
	// archive, where readers report EOF even for a zero length read
	if node.CompressedSize > 0 {
		if _, err := ra.ReadAt(payload, int64(node.FileOffset)); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", common.ErrTOCOutOfBounds, node.Path, err)
		}
	}

	if node.IsCompressed() {
		data, err := inflatePayload(payload, node.UncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", node.Path, err)
		}
		return data, nil
	}

	return payload, nil
}

func (da *DaveArchiver) EncodeHeader(header *common.DaveArchiveHeader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}

	headerBytes := buf.Bytes()
	return append(headerBytes, make([]byte, common.DaveHeaderLength-len(headerBytes))...), nil
}

func (da *DaveArchiver) DecodeHeader(headerBytes []byte) (*common.DaveArchiveHeader, error) {
	header := new(common.DaveArchiveHeader)
	buf := bytes.NewBuffer(headerBytes)
	if err := binary.Read(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	return header, nil
}

// normalizePath converts a wire path to index form: leading slash, no
// trailing slash.
func normalizePath(archivePath string) string {
	p := strings.TrimSuffix(archivePath, "/")
	return "/" + strings.TrimPrefix(p, "/")
}
