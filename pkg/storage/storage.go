package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/beam-cloud/dave/pkg/common"
)

// DaveStorageInterface serves byte ranges of an archive regardless of where
// it lives. ReadAt covers the header, TOC and string table regions, which is
// all the parser needs; ReadPayload reads relative to an entry's payload
// start.
type DaveStorageInterface interface {
	io.ReaderAt
	ReadPayload(node *common.DaveNode, dest []byte, offset int64) (int, error)
	Metadata() *common.DaveArchiveMetadata
	AttachMetadata(metadata *common.DaveArchiveMetadata)
	CachedLocally() bool
	Cleanup() error
}

type DaveStorageCredentials struct {
	S3 *S3DaveStorageCredentials
}

type DaveStorageOpts struct {
	ArchivePath    string
	CachePath      string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	Credentials    DaveStorageCredentials
}

// IsRemoteArchivePath reports whether an archive location refers to remote
// storage rather than a local file.
func IsRemoteArchivePath(archivePath string) bool {
	return strings.HasPrefix(archivePath, "s3://") ||
		strings.HasPrefix(archivePath, "http://") ||
		strings.HasPrefix(archivePath, "https://")
}

func parseS3Path(archivePath string) (string, string, error) {
	trimmed := strings.TrimPrefix(archivePath, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 path %q, expected s3://bucket/key", archivePath)
	}
	return parts[0], parts[1], nil
}

func NewDaveStorage(opts DaveStorageOpts) (DaveStorageInterface, error) {
	var storage DaveStorageInterface = nil
	var err error = nil

	switch {
	case strings.HasPrefix(opts.ArchivePath, "s3://"):
		bucket, key, perr := parseS3Path(opts.ArchivePath)
		if perr != nil {
			return nil, perr
		}

		var accessKey, secretKey string
		if opts.Credentials.S3 != nil {
			accessKey = opts.Credentials.S3.AccessKey
			secretKey = opts.Credentials.S3.SecretKey
		}

		storage, err = NewS3DaveStorage(S3DaveStorageOpts{
			Bucket:         bucket,
			Key:            key,
			Region:         opts.Region,
			Endpoint:       opts.Endpoint,
			ForcePathStyle: opts.ForcePathStyle,
			CachePath:      opts.CachePath,
			AccessKey:      accessKey,
			SecretKey:      secretKey,
		})
	case strings.HasPrefix(opts.ArchivePath, "http://"), strings.HasPrefix(opts.ArchivePath, "https://"):
		storage, err = NewHTTPDaveStorage(HTTPDaveStorageOpts{
			URL: opts.ArchivePath,
		})
	default:
		storage, err = NewLocalDaveStorage(LocalDaveStorageOpts{
			ArchivePath: opts.ArchivePath,
		})
	}

	if err != nil {
		return nil, err
	}

	return storage, nil
}

// UploadArchive copies a local archive file to remote storage. Only s3://
// destinations are supported.
func UploadArchive(ctx context.Context, localPath, remotePath string, creds DaveStorageCredentials, progressChan chan<- int) error {
	if !strings.HasPrefix(remotePath, "s3://") {
		return errors.New("only s3:// destinations are supported for upload")
	}

	bucket, key, err := parseS3Path(remotePath)
	if err != nil {
		return err
	}

	var accessKey, secretKey string
	if creds.S3 != nil {
		accessKey = creds.S3.AccessKey
		secretKey = creds.S3.SecretKey
	}

	s3Storage, err := NewS3DaveStorage(S3DaveStorageOpts{
		Bucket:    bucket,
		Key:       key,
		AccessKey: accessKey,
		SecretKey: secretKey,
	})
	if err != nil {
		return err
	}
	defer s3Storage.Cleanup()

	return s3Storage.Upload(ctx, localPath, progressChan)
}
