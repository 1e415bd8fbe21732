package dave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/beam-cloud/dave/pkg/common"
	"github.com/beam-cloud/dave/pkg/storage"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// SetLogLevel configures the logging verbosity for the dave library.
// Valid levels: "debug", "info", "warn", "error", "disabled"
// Use "debug" to see detailed operation logs (file operations, cache hits/misses, etc.)
// Use "info" for high-level operation logs (default)
// Use "disabled" to suppress all logs
func SetLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "disabled", "none", "off":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		return fmt.Errorf("invalid log level %q: must be one of: debug, info, warn, error, disabled", level)
	}
	return nil
}

type PackOptions struct {
	SourcePath   string
	OutputPath   string
	Compress     bool
	Verbose      bool
	Credentials  storage.DaveStorageCredentials
	ProgressChan chan<- int
}

type UnpackOptions struct {
	ArchivePath  string
	OutputPath   string
	CachePath    string
	Verbose      bool
	Credentials  storage.DaveStorageCredentials
	ProgressChan chan<- int
}

type ListOptions struct {
	ArchivePath string
	CachePath   string
	Credentials storage.DaveStorageCredentials
}

type MountOptions struct {
	ArchivePath string
	MountPoint  string
	CachePath   string
	Verbose     bool
	Credentials storage.DaveStorageCredentials
}

type StoreS3Options struct {
	ArchivePath  string
	Bucket       string
	Key          string
	Credentials  storage.DaveStorageCredentials
	ProgressChan chan<- int
}

// PackArchive builds a dave archive from a directory tree. OutputPath may be
// a local file or an s3:// location, in which case the archive is staged in
// a temporary file and uploaded.
func PackArchive(options PackOptions) error {
	log.Info().Msgf("packing %s into %s", options.SourcePath, options.OutputPath)

	if storage.IsRemoteArchivePath(options.OutputPath) {
		return packAndUploadArchive(context.Background(), options)
	}

	outFile, err := os.Create(options.OutputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	a := NewDaveArchiver()
	err = a.Pack(NewOSAssetSource(options.SourcePath), outFile, DaveArchiverOptions{
		Verbose:      options.Verbose,
		Compress:     options.Compress,
		ProgressChan: options.ProgressChan,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("archive packed successfully")
	return nil
}

func packAndUploadArchive(ctx context.Context, options PackOptions) error {
	// Stage the archive in a temporary file
	tempFile, err := os.CreateTemp("", "temp-dave-*.dat")
	if err != nil {
		return err
	}
	defer os.Remove(tempFile.Name()) // Cleanup the staged archive (after upload it lives remotely)

	a := NewDaveArchiver()
	err = a.Pack(NewOSAssetSource(options.SourcePath), tempFile, DaveArchiverOptions{
		Verbose:  options.Verbose,
		Compress: options.Compress,
	})
	tempFile.Close()
	if err != nil {
		return err
	}

	err = storage.UploadArchive(ctx, tempFile.Name(), options.OutputPath, options.Credentials, options.ProgressChan)
	if err != nil {
		return err
	}

	log.Info().Msg("archive packed and uploaded successfully")
	return nil
}

// UnpackArchive extracts an archive into an existing destination directory.
// The archive may live on local disk, S3 or HTTP.
func UnpackArchive(options UnpackOptions) error {
	log.Info().Msgf("unpacking archive: %s", options.ArchivePath)

	sink, err := NewOSAssetSink(options.OutputPath)
	if err != nil {
		return err
	}

	s, err := openArchiveStorage(options.ArchivePath, options.CachePath, options.Credentials)
	if err != nil {
		return err
	}
	defer s.Cleanup()

	a := NewDaveArchiver()
	err = a.UnpackWithMetadata(s, s.Metadata(), sink, DaveArchiverOptions{
		Verbose:      options.Verbose,
		ProgressChan: options.ProgressChan,
	})
	if err != nil {
		return err
	}

	log.Info().Msg("archive unpacked successfully")
	return nil
}

// ListArchive parses an archive and returns its metadata.
func ListArchive(options ListOptions) (*common.DaveArchiveMetadata, error) {
	s, err := openArchiveStorage(options.ArchivePath, options.CachePath, options.Credentials)
	if err != nil {
		return nil, err
	}
	defer s.Cleanup()

	return s.Metadata(), nil
}

// Mount a dave archive to a directory
func MountArchive(options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Msgf("mounting archive %s to %s", options.ArchivePath, options.MountPoint)

	if mounted, err := mountinfo.Mounted(options.MountPoint); err == nil && mounted {
		return nil, nil, nil, fmt.Errorf("mount point %s is already in use", options.MountPoint)
	}

	if _, err := os.Stat(options.MountPoint); os.IsNotExist(err) {
		err = os.MkdirAll(options.MountPoint, 0755)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create mount point directory: %v", err)
		}
	}

	s, err := openArchiveStorage(options.ArchivePath, options.CachePath, options.Credentials)
	if err != nil {
		return nil, nil, nil, err
	}

	davefs, err := NewFileSystem(s, DaveFileSystemOpts{Verbose: options.Verbose})
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create filesystem: %v", err)
	}

	root, _ := davefs.Root()
	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), options.MountPoint, &fuse.MountOptions{
		MaxBackground:  512,
		DisableXAttrs:  true,
		SyncRead:       false,
		RememberInodes: true,
		MaxReadAhead:   1024 * 128, // 128KB
	})
	if err != nil {
		s.Cleanup()
		return nil, nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			s.Cleanup()

			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, server, nil
}

// UmountArchive detaches a previously mounted archive.
func UmountArchive(mountPoint string) error {
	mounted, err := mountinfo.Mounted(mountPoint)
	if err != nil {
		return fmt.Errorf("could not inspect mount point %s: %v", mountPoint, err)
	}
	if !mounted {
		return fmt.Errorf("mount point %s is not mounted", mountPoint)
	}

	if err := unix.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("could not unmount %s: %v", mountPoint, err)
	}

	log.Info().Msgf("unmounted %s", mountPoint)
	return nil
}

// StoreS3 uploads an existing local archive to an S3 bucket.
func StoreS3(options StoreS3Options) error {
	log.Info().Msg("uploading archive")

	// If no key is provided, use the base name of the input archive as key
	if options.Key == "" {
		options.Key = filepath.Base(options.ArchivePath)
	}

	remotePath := fmt.Sprintf("s3://%s/%s", options.Bucket, options.Key)
	err := storage.UploadArchive(context.Background(), options.ArchivePath, remotePath, options.Credentials, options.ProgressChan)
	if err != nil {
		return err
	}

	log.Info().Msg("done uploading archive")
	return nil
}

// openArchiveStorage sets up storage for an archive location, parses the
// archive metadata through it and attaches the result so later reads can use
// it.
func openArchiveStorage(archivePath, cachePath string, creds storage.DaveStorageCredentials) (storage.DaveStorageInterface, error) {
	s, err := storage.NewDaveStorage(storage.DaveStorageOpts{
		ArchivePath: archivePath,
		CachePath:   cachePath,
		Credentials: creds,
	})
	if err != nil {
		return nil, fmt.Errorf("could not load storage: %v", err)
	}

	metadata, err := NewDaveArchiver().ParseMetadata(s)
	if err != nil {
		s.Cleanup()
		return nil, fmt.Errorf("invalid archive: %v", err)
	}
	s.AttachMetadata(metadata)

	return s, nil
}
