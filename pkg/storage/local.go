package storage

import (
	"fmt"
	"os"

	"github.com/beam-cloud/dave/pkg/common"
)

type LocalDaveStorage struct {
	archivePath string
	metadata    *common.DaveArchiveMetadata
	fileHandle  *os.File
}

type LocalDaveStorageOpts struct {
	ArchivePath string
}

func NewLocalDaveStorage(opts LocalDaveStorageOpts) (*LocalDaveStorage, error) {
	fileHandle, err := os.Open(opts.ArchivePath)
	if err != nil {
		return nil, err
	}

	return &LocalDaveStorage{
		archivePath: opts.ArchivePath,
		fileHandle:  fileHandle,
	}, nil
}

func (s *LocalDaveStorage) ReadAt(dest []byte, off int64) (int, error) {
	return s.fileHandle.ReadAt(dest, off)
}

func (s *LocalDaveStorage) ReadPayload(node *common.DaveNode, dest []byte, off int64) (int, error) {
	n, err := s.fileHandle.ReadAt(dest, int64(node.FileOffset)+off)
	if err != nil {
		return n, fmt.Errorf("unable to read data from file: %w", err)
	}
	return n, nil
}

func (s *LocalDaveStorage) Metadata() *common.DaveArchiveMetadata {
	return s.metadata
}

func (s *LocalDaveStorage) AttachMetadata(metadata *common.DaveArchiveMetadata) {
	s.metadata = metadata
}

func (s *LocalDaveStorage) CachedLocally() bool {
	return true
}

func (s *LocalDaveStorage) Cleanup() error {
	return s.fileHandle.Close()
}
