package dave

import (
	"fmt"
	"sync"
	"time"

	"github.com/beam-cloud/dave/pkg/common"
	"github.com/beam-cloud/dave/pkg/metrics"
	"github.com/beam-cloud/dave/pkg/storage"
	"github.com/beam-cloud/ristretto"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type DaveFileSystemOpts struct {
	Verbose bool
}

type DaveFileSystem struct {
	storage      storage.DaveStorageInterface
	root         *FSNode
	lookupCache  map[string]*lookupCacheEntry
	cacheMutex   sync.RWMutex
	payloadCache *ristretto.Cache[string, []byte]
	verbose      bool
}

type lookupCacheEntry struct {
	inode *fs.Inode
	attr  fuse.Attr
}

func NewFileSystem(s storage.DaveStorageInterface, opts DaveFileSystemOpts) (*DaveFileSystem, error) {
	payloadCache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 * 1e9,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	dfs := &DaveFileSystem{
		storage:      s,
		verbose:      opts.Verbose,
		lookupCache:  make(map[string]*lookupCacheEntry),
		payloadCache: payloadCache,
	}

	metadata := s.Metadata()
	rootNode := metadata.Get("/")
	if rootNode == nil {
		return nil, common.ErrMissingArchiveRoot
	}

	dfs.root = &FSNode{
		filesystem: dfs,
		attr:       rootNode.Attr,
		daveNode:   rootNode,
	}

	return dfs, nil
}

func (dfs *DaveFileSystem) Root() (fs.InodeEmbedder, error) {
	if dfs.root == nil {
		return nil, fmt.Errorf("root not initialized")
	}
	return dfs.root, nil
}

// readFileAt fills dest with file content starting at off. Stored payloads
// are read straight out of storage, deflated payloads are inflated once and
// served from the payload cache after that.
func (dfs *DaveFileSystem) readFileAt(node *common.DaveNode, dest []byte, off int64) (int, error) {
	if !node.IsCompressed() {
		n, err := dfs.storage.ReadPayload(node, dest, off)
		if err != nil {
			return 0, err
		}

		metrics.RecordRead(int64(n), dfs.storage.CachedLocally())
		return n, nil
	}

	payload, hit, err := dfs.inflatedPayload(node)
	if err != nil {
		return 0, err
	}

	if off >= int64(len(payload)) {
		return 0, nil
	}

	n := copy(dest, payload[off:])
	metrics.RecordRead(int64(n), hit)
	return n, nil
}

func (dfs *DaveFileSystem) inflatedPayload(node *common.DaveNode) ([]byte, bool, error) {
	if payload, ok := dfs.payloadCache.Get(node.Path); ok {
		metrics.RecordCacheOperation(true, 0)
		return payload, true, nil
	}
	metrics.RecordCacheOperation(false, 0)

	compressed := make([]byte, node.CompressedSize)
	if _, err := dfs.storage.ReadPayload(node, compressed, 0); err != nil {
		return nil, false, err
	}

	startTime := time.Now()
	payload, err := inflatePayload(compressed, node.UncompressedSize)
	if err != nil {
		return nil, false, err
	}
	metrics.RecordInflation(time.Since(startTime))

	dfs.payloadCache.Set(node.Path, payload, int64(len(payload)))
	return payload, false, nil
}
