package dave

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/beam-cloud/dave/pkg/common"
)

func generateRandomContent(size int) []byte {
	content := make([]byte, size)
	rand.Read(content)
	return content
}

func calculateChecksum(content []byte) string {
	hash := sha256.New()
	hash.Write(content)
	return hex.EncodeToString(hash.Sum(nil))
}

func TestPackAndUnpackArchive(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	testFiles := []struct {
		name     string
		size     int
		content  []byte
		checksum string
	}{
		{"file1.txt", 64 * 1024, nil, ""},
		{"file2.bin", 256 * 1024, nil, ""},
		{"subdir/file3.dat", 1024 * 1024, nil, ""},
	}

	// Generate content and calculate checksums
	for i := range testFiles {
		testFiles[i].content = generateRandomContent(testFiles[i].size)
		testFiles[i].checksum = calculateChecksum(testFiles[i].content)
	}

	for _, tf := range testFiles {
		filePath := filepath.Join(tempDir, tf.name)
		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", tf.name, err)
		}

		if err := os.WriteFile(filePath, tf.content, 0644); err != nil {
			t.Fatalf("Failed to create test file %s: %v", tf.name, err)
		}
	}

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	err = PackArchive(PackOptions{
		SourcePath: tempDir,
		OutputPath: archiveFile.Name(),
		Verbose:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	fileInfo, err := os.Stat(archiveFile.Name())
	if err != nil {
		t.Fatalf("Failed to stat archive file: %v", err)
	}
	if fileInfo.Size() == 0 {
		t.Error("Archive file was created but is empty")
	}
	if fileInfo.Size()%common.DaveBlockSize != 0 {
		t.Errorf("Archive size %d is not block aligned", fileInfo.Size())
	}

	extractDir, err := os.MkdirTemp("", "dave-extract-*")
	if err != nil {
		t.Fatalf("Failed to create extraction directory: %v", err)
	}
	defer os.RemoveAll(extractDir)

	err = UnpackArchive(UnpackOptions{
		ArchivePath: archiveFile.Name(),
		OutputPath:  extractDir,
		Verbose:     true,
	})
	if err != nil {
		t.Fatalf("Failed to unpack archive: %v", err)
	}

	// Verify extracted files
	for _, tf := range testFiles {
		extractedPath := filepath.Join(extractDir, tf.name)

		info, err := os.Stat(extractedPath)
		if err != nil {
			t.Errorf("Failed to stat extracted file %s: %v", tf.name, err)
			continue
		}

		if info.Mode().Perm() != 0644 {
			t.Errorf("Incorrect permissions for %s: got %v, want 0644", tf.name, info.Mode().Perm())
		}

		if info.Size() != int64(tf.size) {
			t.Errorf("Incorrect file size for %s: got %d, want %d", tf.name, info.Size(), tf.size)
		}

		content, err := os.ReadFile(extractedPath)
		if err != nil {
			t.Errorf("Failed to read extracted file %s: %v", tf.name, err)
			continue
		}

		if calculateChecksum(content) != tf.checksum {
			t.Errorf("Checksum mismatch for %s", tf.name)
		}
	}

	// Verify directory structure
	info, err := os.Stat(filepath.Join(extractDir, "subdir"))
	if err != nil {
		t.Fatalf("Failed to stat extracted directory: %v", err)
	}
	if !info.IsDir() {
		t.Error("subdir is not a directory")
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("Incorrect permissions for subdir: got %v, want 0755", info.Mode().Perm())
	}
}

func TestPackCompressedRoundTrip(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	// Repetitive content, so deflate has something to do
	content := bytes.Repeat([]byte("midnight club "), 8192)
	checksum := calculateChecksum(content)

	if err := os.MkdirAll(filepath.Join(tempDir, "cars"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "cars", "body.mdl"), content, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	err = PackArchive(PackOptions{
		SourcePath: tempDir,
		OutputPath: archiveFile.Name(),
		Compress:   true,
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	metadata, err := ListArchive(ListOptions{ArchivePath: archiveFile.Name()})
	if err != nil {
		t.Fatalf("Failed to list archive: %v", err)
	}

	node := metadata.Get("/cars/body.mdl")
	if node == nil {
		t.Fatal("missing /cars/body.mdl in index")
	}
	if !node.IsCompressed() {
		t.Error("expected a deflated payload")
	}
	if node.CompressedSize >= node.UncompressedSize {
		t.Errorf("payload did not shrink: %d stored, %d uncompressed", node.CompressedSize, node.UncompressedSize)
	}

	extractDir, err := os.MkdirTemp("", "dave-extract-*")
	if err != nil {
		t.Fatalf("Failed to create extraction directory: %v", err)
	}
	defer os.RemoveAll(extractDir)

	err = UnpackArchive(UnpackOptions{
		ArchivePath: archiveFile.Name(),
		OutputPath:  extractDir,
	})
	if err != nil {
		t.Fatalf("Failed to unpack archive: %v", err)
	}

	extracted, err := os.ReadFile(filepath.Join(extractDir, "cars", "body.mdl"))
	if err != nil {
		t.Fatalf("Failed to read extracted file: %v", err)
	}
	if calculateChecksum(extracted) != checksum {
		t.Error("Checksum mismatch after compressed round trip")
	}
}

func TestArchiveLayout(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.WriteFile(filepath.Join(tempDir, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(tempDir, "sub"), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, "sub", "b.txt"), []byte("bye"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	err = PackArchive(PackOptions{
		SourcePath: tempDir,
		OutputPath: archiveFile.Name(),
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	data, err := os.ReadFile(archiveFile.Name())
	if err != nil {
		t.Fatalf("Failed to read archive: %v", err)
	}

	if len(data) != 0x2800 {
		t.Fatalf("archive size: got %#x, want 0x2800", len(data))
	}

	if !bytes.Equal(data[0:4], common.DaveMagicRaw) {
		t.Errorf("magic: got %q, want %q", data[0:4], common.DaveMagicRaw)
	}
	if got := binary.LittleEndian.Uint32(data[4:8]); got != 3 {
		t.Errorf("entry count: got %d, want 3", got)
	}
	if got := binary.LittleEndian.Uint32(data[8:12]); got != 0x800 {
		t.Errorf("toc byte length: got %#x, want 0x800", got)
	}
	if got := binary.LittleEndian.Uint32(data[12:16]); got != 0x800 {
		t.Errorf("string table byte length: got %#x, want 0x800", got)
	}
	for _, b := range data[16:0x800] {
		if b != 0 {
			t.Error("header block padding is not zeroed")
			break
		}
	}

	var entries [3]common.TOCEntry
	if err := binary.Read(bytes.NewReader(data[0x800:0x830]), binary.LittleEndian, &entries); err != nil {
		t.Fatalf("Failed to read TOC: %v", err)
	}

	if entries[0] != (common.TOCEntry{NameOffset: 0, FileOffset: 0x1800, UncompressedSize: 2, CompressedSize: 2}) {
		t.Errorf("unexpected record for a.txt: %+v", entries[0])
	}
	// Directory records keep zeros in every field but the name offset
	if entries[1] != (common.TOCEntry{NameOffset: 6}) {
		t.Errorf("unexpected record for sub/: %+v", entries[1])
	}
	if entries[2] != (common.TOCEntry{NameOffset: 11, FileOffset: 0x2000, UncompressedSize: 3, CompressedSize: 3}) {
		t.Errorf("unexpected record for sub/b.txt: %+v", entries[2])
	}

	if got := string(data[0x1000:0x1014]); got != "a.txt\x00sub/\x00sub/b.txt" {
		t.Errorf("unexpected string table: %q", got)
	}
	if data[0x1014] != 0 {
		t.Error("string table padding must terminate the last path")
	}

	if got := string(data[0x1800:0x1802]); got != "hi" {
		t.Errorf("payload for a.txt: got %q", got)
	}
	if got := string(data[0x2000:0x2003]); got != "bye" {
		t.Errorf("payload for sub/b.txt: got %q", got)
	}
}

func TestPackEmptyTree(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	err = PackArchive(PackOptions{
		SourcePath: tempDir,
		OutputPath: archiveFile.Name(),
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	data, err := os.ReadFile(archiveFile.Name())
	if err != nil {
		t.Fatalf("Failed to read archive: %v", err)
	}
	if len(data) != common.DaveHeaderLength {
		t.Fatalf("archive size: got %#x, want %#x", len(data), common.DaveHeaderLength)
	}

	metadata, err := NewDaveArchiver().ParseMetadata(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to parse metadata: %v", err)
	}
	if len(metadata.Nodes) != 0 {
		t.Errorf("node count: got %d, want 0", len(metadata.Nodes))
	}
	if metadata.Get("/") == nil {
		t.Error("missing root node")
	}
}

func TestPackAndUnpackEmptyTrailingFile(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	if err := os.WriteFile(filepath.Join(tempDir, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	// Sorts after a.txt, so its record closes the TOC with no payload behind it
	if err := os.WriteFile(filepath.Join(tempDir, "zz.txt"), nil, 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	err = PackArchive(PackOptions{
		SourcePath: tempDir,
		OutputPath: archiveFile.Name(),
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	data, err := os.ReadFile(archiveFile.Name())
	if err != nil {
		t.Fatalf("Failed to read archive: %v", err)
	}

	archiver := NewDaveArchiver()
	metadata, err := archiver.ParseMetadata(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to parse metadata: %v", err)
	}

	node := metadata.Get("/zz.txt")
	if node == nil {
		t.Fatal("missing /zz.txt in index")
	}
	if node.UncompressedSize != 0 || node.CompressedSize != 0 {
		t.Errorf("sizes for empty entry: got %d/%d, want 0/0", node.UncompressedSize, node.CompressedSize)
	}
	if node.IsCompressed() {
		t.Error("empty entry must be a stored payload")
	}
	// The empty entry's offset lands exactly at the archive end
	if node.FileOffset != uint32(len(data)) {
		t.Errorf("file offset: got %#x, want %#x", node.FileOffset, len(data))
	}

	extractDir, err := os.MkdirTemp("", "dave-extract-*")
	if err != nil {
		t.Fatalf("Failed to create extraction directory: %v", err)
	}
	defer os.RemoveAll(extractDir)

	sink, err := NewOSAssetSink(extractDir)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	err = archiver.UnpackWithMetadata(bytes.NewReader(data), metadata, sink, DaveArchiverOptions{})
	if err != nil {
		t.Fatalf("Failed to unpack archive: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(extractDir, "a.txt"))
	if err != nil {
		t.Fatalf("Failed to read extracted file: %v", err)
	}
	if string(content) != "hi" {
		t.Errorf("a.txt content: got %q, want %q", content, "hi")
	}

	info, err := os.Stat(filepath.Join(extractDir, "zz.txt"))
	if err != nil {
		t.Fatalf("Failed to stat extracted file: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("zz.txt size: got %d, want 0", info.Size())
	}
}

func TestPackReportsProgress(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	for _, name := range []string{"a.txt", "b.txt"} {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(name), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}

	archiveFile, err := os.CreateTemp("", "test-archive-*.dat")
	if err != nil {
		t.Fatalf("Failed to create temporary archive file: %v", err)
	}
	archiveFile.Close()
	defer os.Remove(archiveFile.Name())

	progressChan := make(chan int, 8)
	err = PackArchive(PackOptions{
		SourcePath:   tempDir,
		OutputPath:   archiveFile.Name(),
		ProgressChan: progressChan,
	})
	if err != nil {
		t.Fatalf("Failed to create archive: %v", err)
	}

	var got []int
	for len(progressChan) > 0 {
		got = append(got, <-progressChan)
	}
	if len(got) == 0 || got[len(got)-1] != 2 {
		t.Errorf("progress updates: got %v, want final value 2", got)
	}
}

// buildPackedArchive lays out a two entry archive with the packed string
// table variant, byte for byte.
func buildPackedArchive() []byte {
	buf := make([]byte, 0x2800)

	copy(buf[0:], common.DaveMagicPacked)
	binary.LittleEndian.PutUint32(buf[4:], 2)
	binary.LittleEndian.PutUint32(buf[8:], 0x800)
	binary.LittleEndian.PutUint32(buf[12:], 0x800)

	entries := []common.TOCEntry{
		{NameOffset: 0, FileOffset: 0x1800, UncompressedSize: 5, CompressedSize: 5},
		{NameOffset: 6, FileOffset: 0x2000, UncompressedSize: 4, CompressedSize: 4},
	}
	tocBuf := new(bytes.Buffer)
	binary.Write(tocBuf, binary.LittleEndian, entries)
	copy(buf[0x800:], tocBuf.Bytes())

	// "car.dat", then "car.mdl" as a prefix reference
	copy(buf[0x1000:], []byte{
		0x57, 0x65, 0x1E, 0x58, 0x85, 0x02,
		0x3C, 0x18, 0x62, 0x20, 0x00,
	})

	copy(buf[0x1800:], "hello")
	copy(buf[0x2000:], "mdl!")

	return buf
}

func TestParseMetadataPackedArchive(t *testing.T) {
	raw := buildPackedArchive()

	archiver := NewDaveArchiver()
	metadata, err := archiver.ParseMetadata(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Failed to parse metadata: %v", err)
	}

	if metadata.Variant != common.StringTablePacked {
		t.Errorf("variant: got %s, want %s", metadata.Variant, common.StringTablePacked)
	}
	if len(metadata.Nodes) != 2 {
		t.Fatalf("node count: got %d, want 2", len(metadata.Nodes))
	}
	if metadata.Nodes[0].Path != "/car.dat" || metadata.Nodes[1].Path != "/car.mdl" {
		t.Errorf("unexpected paths: %s, %s", metadata.Nodes[0].Path, metadata.Nodes[1].Path)
	}

	node := metadata.Get("/car.mdl")
	if node == nil {
		t.Fatal("missing /car.mdl in index")
	}
	if node.IsCompressed() {
		t.Error("equal sizes should mean a stored payload")
	}

	extractDir, err := os.MkdirTemp("", "dave-extract-*")
	if err != nil {
		t.Fatalf("Failed to create extraction directory: %v", err)
	}
	defer os.RemoveAll(extractDir)

	sink, err := NewOSAssetSink(extractDir)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	err = archiver.UnpackWithMetadata(bytes.NewReader(raw), metadata, sink, DaveArchiverOptions{})
	if err != nil {
		t.Fatalf("Failed to unpack archive: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(extractDir, "car.dat"))
	if err != nil {
		t.Fatalf("Failed to read extracted file: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("car.dat content: got %q, want %q", content, "hello")
	}
}

func TestParseMetadataRejectsUnknownMagic(t *testing.T) {
	raw := make([]byte, common.DaveHeaderLength)
	copy(raw, "FAKE")

	_, err := NewDaveArchiver().ParseMetadata(bytes.NewReader(raw))
	if !errors.Is(err, common.ErrFileHeaderMismatch) {
		t.Errorf("got %v, want ErrFileHeaderMismatch", err)
	}

	// Too short to even hold a header block
	_, err = NewDaveArchiver().ParseMetadata(bytes.NewReader([]byte("Dave")))
	if !errors.Is(err, common.ErrFileHeaderMismatch) {
		t.Errorf("short file: got %v, want ErrFileHeaderMismatch", err)
	}
}

func TestParseMetadataRejectsOversizedTOC(t *testing.T) {
	raw := make([]byte, common.DaveHeaderLength)
	copy(raw, common.DaveMagicRaw)
	binary.LittleEndian.PutUint32(raw[4:], 1000)
	binary.LittleEndian.PutUint32(raw[8:], 0x800)

	_, err := NewDaveArchiver().ParseMetadata(bytes.NewReader(raw))
	if !errors.Is(err, common.ErrTOCOutOfBounds) {
		t.Errorf("got %v, want ErrTOCOutOfBounds", err)
	}
}

func TestUnpackRequiresExistingRoot(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "dave-test-*")
	if err != nil {
		t.Fatalf("Failed to create temporary directory: %v", err)
	}
	defer os.RemoveAll(tempDir)

	err = UnpackArchive(UnpackOptions{
		ArchivePath: filepath.Join(tempDir, "whatever.dat"),
		OutputPath:  filepath.Join(tempDir, "does-not-exist"),
	})
	if !errors.Is(err, common.ErrMissingUnpackRoot) {
		t.Errorf("got %v, want ErrMissingUnpackRoot", err)
	}
}

func TestUnpackRejectsCorruptPayload(t *testing.T) {
	raw := make([]byte, 0x2000)
	copy(raw, common.DaveMagicRaw)
	binary.LittleEndian.PutUint32(raw[4:], 1)
	binary.LittleEndian.PutUint32(raw[8:], 0x800)
	binary.LittleEndian.PutUint32(raw[12:], 0x800)

	entry := common.TOCEntry{NameOffset: 0, FileOffset: 0x1800, UncompressedSize: 10, CompressedSize: 4}
	tocBuf := new(bytes.Buffer)
	binary.Write(tocBuf, binary.LittleEndian, &entry)
	copy(raw[0x800:], tocBuf.Bytes())

	copy(raw[0x1000:], "bad.bin")
	copy(raw[0x1800:], "junk")

	extractDir, err := os.MkdirTemp("", "dave-extract-*")
	if err != nil {
		t.Fatalf("Failed to create extraction directory: %v", err)
	}
	defer os.RemoveAll(extractDir)

	sink, err := NewOSAssetSink(extractDir)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}

	err = NewDaveArchiver().Unpack(bytes.NewReader(raw), sink, DaveArchiverOptions{})
	if !errors.Is(err, common.ErrDecompressionFailed) {
		t.Errorf("got %v, want ErrDecompressionFailed", err)
	}
}
