package dave

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	common "github.com/beam-cloud/dave/pkg/common"

	"github.com/karrick/godirwalk"
)

// AssetEntry describes one enumerated input before packing. Path is the
// archive form: relative, forward slashes, trailing slash on directories.
type AssetEntry struct {
	Path  string
	IsDir bool
	Size  int64
}

// AssetSource enumerates and opens the tree being packed.
type AssetSource interface {
	Enumerate() ([]AssetEntry, error)
	Open(path string) (io.ReadCloser, error)
}

// AssetSink receives entries from an archive being unpacked.
type AssetSink interface {
	EnsureDir(path string) error
	WriteFile(path string, data []byte) error
}

type osAssetSource struct {
	root string
}

// NewOSAssetSource reads pack inputs from a directory tree on the local
// filesystem.
func NewOSAssetSource(root string) AssetSource {
	return &osAssetSource{root: root}
}

func (s *osAssetSource) Enumerate() ([]AssetEntry, error) {
	var entries []AssetEntry

	err := godirwalk.Walk(s.root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == s.root {
				return nil
			}

			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			rel = strings.ReplaceAll(rel, string(os.PathSeparator), "/")

			if de.IsDir() {
				entries = append(entries, AssetEntry{Path: rel + "/", IsDir: true})
				return nil
			}

			// Stat follows symlinks, so a link to a regular file is packed
			// as that file's content.
			var stat unix.Stat_t
			if err := unix.Stat(path, &stat); err != nil {
				log.Warn().Msgf("skipping unreadable entry: %s", path)
				return nil
			}

			if (stat.Mode & unix.S_IFMT) != unix.S_IFREG {
				log.Info().Msgf("skipping special file: %s", path)
				return nil
			}

			entries = append(entries, AssetEntry{Path: rel, Size: stat.Size})
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (s *osAssetSource) Open(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(path)))
}

type osAssetSink struct {
	root string
}

// NewOSAssetSink writes unpacked entries under root, which must already
// exist.
func NewOSAssetSink(root string) (AssetSink, error) {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", common.ErrMissingUnpackRoot, root)
	}
	return &osAssetSink{root: root}, nil
}

func (s *osAssetSink) EnsureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(filepath.Join(s.root, filepath.FromSlash(path)), 0755)
}

func (s *osAssetSink) WriteFile(path string, data []byte) error {
	return os.WriteFile(filepath.Join(s.root, filepath.FromSlash(path)), data, 0644)
}
