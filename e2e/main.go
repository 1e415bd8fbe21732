package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/beam-cloud/dave/pkg/dave"
)

// Manual smoke check for the pack / list / unpack round trip.
func main() {
	workDir, err := os.MkdirTemp("", "dave-e2e-*")
	if err != nil {
		log.Fatalf("Failed to create work dir: %v", err)
	}
	defer os.RemoveAll(workDir)

	seed := map[string][]byte{
		"readme.txt":          []byte("dave end to end check\n"),
		"cars/body.mdl":       bytes.Repeat([]byte("geometry "), 4096),
		"cars/skins/red.tex":  bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 512),
		"tracks/downtown.dat": bytes.Repeat([]byte("downtown"), 1024),
	}

	sourceDir := filepath.Join(workDir, "assets")
	for path, content := range seed {
		fullPath := filepath.Join(sourceDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			log.Fatalf("Failed to create source dir: %v", err)
		}
		if err := os.WriteFile(fullPath, content, 0644); err != nil {
			log.Fatalf("Failed to write source file: %v", err)
		}
	}

	archivePath := filepath.Join(workDir, "assets.dat")

	err = dave.PackArchive(dave.PackOptions{
		SourcePath: sourceDir,
		OutputPath: archivePath,
		Compress:   true,
		Verbose:    true,
	})
	if err != nil {
		log.Fatalf("Failed to create archive: %v", err)
	}

	metadata, err := dave.ListArchive(dave.ListOptions{ArchivePath: archivePath})
	if err != nil {
		log.Fatalf("Failed to list archive: %v", err)
	}

	fmt.Printf("Header: %+v\n", metadata.Header)
	for _, node := range metadata.Nodes {
		fmt.Printf("  %s\n", node.ArchivePath())
	}

	outputDir := filepath.Join(workDir, "unpacked")
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	err = dave.UnpackArchive(dave.UnpackOptions{
		ArchivePath: archivePath,
		OutputPath:  outputDir,
	})
	if err != nil {
		log.Fatalf("Failed to unpack archive: %v", err)
	}

	for path, content := range seed {
		got, err := os.ReadFile(filepath.Join(outputDir, filepath.FromSlash(path)))
		if err != nil {
			log.Fatalf("Missing unpacked file %s: %v", path, err)
		}
		if !bytes.Equal(got, content) {
			log.Fatalf("Content mismatch for %s", path)
		}
	}

	fmt.Println("pack/list/unpack round trip OK")
}
