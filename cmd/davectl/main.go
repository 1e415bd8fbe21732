package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/beam-cloud/dave/pkg/dave"
	"github.com/beam-cloud/dave/pkg/metrics"
	"github.com/beam-cloud/dave/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "pack":
		packCommand()
	case "unpack":
		unpackCommand()
	case "ls", "list":
		lsCommand()
	case "mount":
		mountCommand()
	case "umount", "unmount":
		umountCommand()
	case "store":
		storeCommand()
	case "metrics":
		metricsCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `davectl - Dave Archive Management Tool

Usage:
  davectl <command> [options]

Commands:
  pack         Build a .dat archive from a directory tree
  unpack       Extract an archive into a directory
  ls           List archive contents
  mount        Mount an archive as a read-only filesystem
  umount       Unmount a mounted archive
  store        Upload a local archive to S3
  metrics      Show performance metrics

Examples:
  # Pack a directory into an archive
  davectl pack --src ./assets --out assets.dat --compress

  # Extract an archive
  davectl unpack --archive assets.dat --out ./assets

  # List the contents of an archive on S3
  davectl ls --archive s3://game-assets/assets.dat

  # Mount an archive hosted behind a CDN
  davectl mount --archive https://cdn.example.com/assets.dat --mountpoint /mnt/assets

  # Unmount
  davectl umount --mountpoint /mnt/assets

Environment Variables:
  DAVE_CACHE_DIR         Cache directory for remote archives (default: none)
  AWS_REGION             S3 region for s3:// archive paths
  AWS_ACCESS_KEY_ID      S3 access key
  AWS_SECRET_ACCESS_KEY  S3 secret key

`)
}

func packCommand() {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)

	var (
		sourcePath = fs.String("src", "", "Directory tree to archive (required)")
		outputPath = fs.String("out", "", "Output archive path, local or s3://bucket/key (required)")
		compress   = fs.Bool("compress", false, "Deflate file payloads")
		verbose    = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *sourcePath == "" || *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --src and --out are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msgf("packing directory: %s", *sourcePath)

	err := dave.PackArchive(dave.PackOptions{
		SourcePath: *sourcePath,
		OutputPath: *outputPath,
		Compress:   *compress,
		Verbose:    *verbose,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create archive")
	}

	if stat, err := os.Stat(*outputPath); err == nil {
		log.Info().Msgf("archive created successfully: %s (size: %d bytes)", *outputPath, stat.Size())
	} else {
		log.Info().Msgf("archive created successfully: %s", *outputPath)
	}
}

func unpackCommand() {
	fs := flag.NewFlagSet("unpack", flag.ExitOnError)

	var (
		archivePath = fs.String("archive", "", "Archive path, local, s3:// or https:// (required)")
		outputPath  = fs.String("out", "", "Destination directory (required)")
		cacheDir    = fs.String("cache", getEnvString("DAVE_CACHE_DIR", ""), "Cache directory for remote archives")
		verbose     = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" || *outputPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --out are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Msgf("unpacking archive: %s", *archivePath)

	err := dave.UnpackArchive(dave.UnpackOptions{
		ArchivePath: *archivePath,
		OutputPath:  *outputPath,
		CachePath:   cacheFilePath(*cacheDir, *archivePath),
		Verbose:     *verbose,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to unpack archive")
	}

	log.Info().Msgf("archive unpacked to: %s", *outputPath)
}

func lsCommand() {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)

	var (
		archivePath = fs.String("archive", "", "Archive path, local, s3:// or https:// (required)")
		cacheDir    = fs.String("cache", getEnvString("DAVE_CACHE_DIR", ""), "Cache directory for remote archives")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	metadata, err := dave.ListArchive(dave.ListOptions{
		ArchivePath: *archivePath,
		CachePath:   cacheFilePath(*cacheDir, *archivePath),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list archive")
	}

	files, dirs := 0, 0

	fmt.Printf("%10s  %10s  %s\n", "SIZE", "STORED", "PATH")
	for _, node := range metadata.Nodes {
		if node.IsDir() {
			dirs++
			fmt.Printf("%10s  %10s  %s\n", "-", "-", node.ArchivePath())
			continue
		}

		files++
		fmt.Printf("%10d  %10d  %s\n", node.UncompressedSize, node.CompressedSize, node.ArchivePath())
	}

	fmt.Printf("\n%d entries (%d files, %d directories)\n", len(metadata.Nodes), files, dirs)
}

func mountCommand() {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)

	var (
		archivePath = fs.String("archive", "", "Archive path, local, s3:// or https:// (required)")
		mountPoint  = fs.String("mountpoint", "", "Directory to mount the archive at (required)")
		cacheDir    = fs.String("cache", getEnvString("DAVE_CACHE_DIR", ""), "Cache directory for remote archives")
		verbose     = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" || *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --mountpoint are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	startServer, serverError, server, err := dave.MountArchive(dave.MountOptions{
		ArchivePath: *archivePath,
		MountPoint:  *mountPoint,
		CachePath:   cacheFilePath(*cacheDir, *archivePath),
		Verbose:     *verbose,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount archive")
	}

	if err := startServer(); err != nil {
		log.Fatal().Err(err).Msg("failed to start FUSE server")
	}

	log.Info().Msgf("archive mounted at: %s", *mountPoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverError:
		if err != nil {
			log.Fatal().Err(err).Msg("FUSE server error")
		}
	case <-sigChan:
		log.Info().Msgf("unmounting %s", *mountPoint)
		if err := server.Unmount(); err != nil {
			log.Error().Err(err).Msg("failed to unmount")
		}
		<-serverError
	}
}

func umountCommand() {
	fs := flag.NewFlagSet("umount", flag.ExitOnError)

	var (
		mountPoint = fs.String("mountpoint", "", "Mounted archive directory (required)")
	)

	fs.Parse(os.Args[2:])

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --mountpoint is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if err := dave.UmountArchive(*mountPoint); err != nil {
		log.Fatal().Err(err).Msg("failed to unmount archive")
	}
}

func storeCommand() {
	fs := flag.NewFlagSet("store", flag.ExitOnError)

	var (
		archivePath = fs.String("archive", "", "Local archive path (required)")
		bucket      = fs.String("bucket", "", "S3 bucket name (required)")
		key         = fs.String("key", "", "S3 object key (default: archive file name)")
		verbose     = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *archivePath == "" || *bucket == "" {
		fmt.Fprintf(os.Stderr, "Error: --archive and --bucket are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	err := dave.StoreS3(dave.StoreS3Options{
		ArchivePath: *archivePath,
		Bucket:      *bucket,
		Key:         *key,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to store archive")
	}
}

func metricsCommand() {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)

	var (
		format  = fs.String("format", "json", "Output format (json, prometheus, summary)")
		serve   = fs.Bool("serve", false, "Start HTTP metrics server")
		port    = fs.String("port", "8080", "HTTP server port")
		verbose = fs.Bool("verbose", false, "Verbose logging")
	)

	fs.Parse(os.Args[2:])

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *serve {
		// Start HTTP metrics server
		http.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metricsData := metrics.GlobalMetrics.GetPrometheusMetrics()

			switch r.URL.Query().Get("format") {
			case "prometheus":
				w.Header().Set("Content-Type", "text/plain")
				for key, value := range metricsData {
					fmt.Fprintf(w, "%s %v\n", key, value)
				}
			default:
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(metricsData)
			}
		})

		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "OK")
		})

		log.Info().Msgf("starting metrics server on port %s", *port)
		log.Info().Msg("endpoints: /metrics, /health")

		if err := http.ListenAndServe(":"+*port, nil); err != nil {
			log.Fatal().Err(err).Msg("failed to start metrics server")
		}
	} else {
		// One-time metrics output
		switch *format {
		case "prometheus":
			metricsData := metrics.GlobalMetrics.GetPrometheusMetrics()
			for key, value := range metricsData {
				fmt.Printf("%s %v\n", key, value)
			}
		case "summary":
			metrics.LogMetricsSummary()
		default: // json
			metricsData := metrics.GlobalMetrics.GetPrometheusMetrics()
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			encoder.Encode(metricsData)
		}
	}
}

// Helper functions

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// cacheFilePath maps a remote archive location to a cache file under the
// configured cache directory. Local archives are never cached.
func cacheFilePath(cacheDir string, archivePath string) string {
	if cacheDir == "" || !storage.IsRemoteArchivePath(archivePath) {
		return ""
	}

	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Error().Err(err).Msg("could not create cache directory")
		return ""
	}

	return filepath.Join(cacheDir, filepath.Base(archivePath))
}
