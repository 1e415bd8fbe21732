package common

import (
	"strings"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/tidwall/btree"
)

type DaveNodeType string

const (
	DirNode  DaveNodeType = "dir"
	FileNode DaveNodeType = "file"
)

// DaveNode is one archive entry. Path is normalized for lookups: leading
// slash, forward separators, no trailing slash ("/" is the root). The wire
// form of the path lives in the string table and is recovered with ArchivePath.
type DaveNode struct {
	NodeType DaveNodeType
	Path     string
	TOCEntry
	Attr fuse.Attr
}

// IsDir returns true if the DaveNode represents a directory.
func (n *DaveNode) IsDir() bool {
	return n.NodeType == DirNode
}

// ArchivePath returns the path as stored in the archive: relative to the
// root, with a trailing slash on directories.
func (n *DaveNode) ArchivePath() string {
	p := strings.TrimPrefix(n.Path, "/")
	if n.IsDir() && p != "" {
		p += "/"
	}
	return p
}

type DaveArchiveMetadata struct {
	Header  DaveArchiveHeader
	Variant StringTableVariant

	// Nodes holds the archive entries in TOC order. Index holds the same
	// nodes (plus the synthesized root and any implicit parent directories)
	// keyed by normalized path.
	Nodes []*DaveNode
	Index *btree.BTree

	dirMu    sync.RWMutex
	dirCache map[string]CacheEntry
}

func (m *DaveArchiveMetadata) Insert(node *DaveNode) {
	m.Index.Set(node)
}

func (m *DaveArchiveMetadata) Get(path string) *DaveNode {
	item := m.Index.Get(&DaveNode{Path: path})
	if item == nil {
		return nil
	}
	return item.(*DaveNode)
}

type CacheEntry struct {
	Path    string
	Entries []fuse.DirEntry
}

func (m *DaveArchiveMetadata) ListDirectory(path string) []fuse.DirEntry {
	// Append '/' if not present at the end of the path
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	// Check dir cache first
	m.dirMu.RLock()
	if entry, found := m.dirCache[path]; found {
		m.dirMu.RUnlock()
		return entry.Entries
	}
	m.dirMu.RUnlock()

	// Append null character to the path -- if we don't do this we could miss some child nodes.
	// It works because \x00 is lower lexographically than any other character
	pivot := &DaveNode{Path: path + "\x00"}
	pathLen := len(path)
	var entries []fuse.DirEntry

	m.Index.Ascend(pivot, func(a interface{}) bool {
		node := a.(*DaveNode)

		// Check if this node path starts with 'path' (meaning it is a child --> continue
		if len(node.Path) < pathLen || node.Path[:pathLen] != path {
			return true
		}

		// Check if there are any "/" left after removing the prefix
		for i := pathLen; i < len(node.Path); i++ {
			if node.Path[i] == '/' {
				if i == pathLen || node.Path[i-1] != '/' {
					// This node is not an immediate child, continue on
					return true
				}
			}
		}

		relativePath := node.Path[pathLen:]

		// Only add if there is a non-empty relative path without any further slashes
		if relativePath != "" {
			entries = append(entries, fuse.DirEntry{
				Mode: node.Attr.Mode,
				Name: relativePath,
			})
		}
		return true
	})

	// Update cache with the new list of entries
	m.dirMu.Lock()
	if m.dirCache == nil {
		m.dirCache = map[string]CacheEntry{}
	}
	m.dirCache[path] = CacheEntry{Path: path, Entries: entries}
	m.dirMu.Unlock()

	return entries
}
