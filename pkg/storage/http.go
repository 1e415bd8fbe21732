package storage

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beam-cloud/dave/pkg/common"
	"github.com/beam-cloud/dave/pkg/metrics"
	"github.com/beam-cloud/ristretto"
	"golang.org/x/sync/errgroup"
)

const (
	httpChunkSize        int64 = 512 * 1024
	httpFetchConcurrency       = 8
)

// HTTPDaveStorage serves reads out of an archive hosted behind a plain
// HTTP(S) endpoint that supports range requests. Fetched chunks are kept
// in an in-memory cache so metadata and hot payloads are only pulled once.
type HTTPDaveStorage struct {
	url        string
	client     *http.Client
	metadata   *common.DaveArchiveMetadata
	chunkCache *ristretto.Cache[string, []byte]
	size       int64
}

type HTTPDaveStorageOpts struct {
	URL    string
	Client *http.Client
}

func NewHTTPDaveStorage(opts HTTPDaveStorageOpts) (*HTTPDaveStorage, error) {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	chunkCache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e7,
		MaxCost:     1 * 1e9,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	s := &HTTPDaveStorage{
		url:        opts.URL,
		client:     client,
		chunkCache: chunkCache,
	}

	size, err := s.fetchSize()
	if err != nil {
		return nil, err
	}
	s.size = size

	return s, nil
}

func (s *HTTPDaveStorage) fetchSize() (int64, error) {
	resp, err := s.client.Head(s.url)
	if err != nil {
		return 0, fmt.Errorf("unable to reach archive url <%s>: %v", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code %d when probing archive url <%s>", resp.StatusCode, s.url)
	}

	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("archive url <%s> did not report a content length", s.url)
	}

	return resp.ContentLength, nil
}

func (s *HTTPDaveStorage) ReadAt(dest []byte, off int64) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}
	if off >= s.size {
		return 0, io.EOF
	}

	want := int64(len(dest))
	if off+want > s.size {
		want = s.size - off
	}

	firstChunk := off / httpChunkSize
	lastChunk := (off + want - 1) / httpChunkSize
	chunks := make([][]byte, lastChunk-firstChunk+1)

	var g errgroup.Group
	g.SetLimit(httpFetchConcurrency)
	for i := range chunks {
		i := i // per-iteration copy; required under go <1.22 loopvar semantics
		g.Go(func() error {
			chunk, err := s.getChunk(firstChunk + int64(i))
			if err != nil {
				return err
			}
			chunks[i] = chunk
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for i, chunk := range chunks {
		chunkStart := (firstChunk + int64(i)) * httpChunkSize

		from := int64(0)
		if chunkStart < off {
			from = off - chunkStart
		}
		if from >= int64(len(chunk)) {
			break
		}

		n += copy(dest[n:want], chunk[from:])
	}

	if n < len(dest) {
		return n, io.EOF
	}
	return n, nil
}

func (s *HTTPDaveStorage) getChunk(idx int64) ([]byte, error) {
	key := fmt.Sprintf("%s#%d", s.url, idx)
	if chunk, ok := s.chunkCache.Get(key); ok {
		metrics.RecordCacheOperation(true, 0)
		return chunk, nil
	}
	metrics.RecordCacheOperation(false, 0)

	start := idx * httpChunkSize
	end := start + httpChunkSize - 1
	if end > s.size-1 {
		end = s.size - 1
	}

	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	startTime := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d when fetching chunk %d of <%s>", resp.StatusCode, idx, s.url)
	}

	chunk, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Some servers ignore the range header and send the whole object back
	if resp.StatusCode == http.StatusOK && int64(len(chunk)) > end-start+1 {
		chunk = chunk[start : end+1]
	}

	metrics.RecordRangeGet("http", int64(len(chunk)), time.Since(startTime))

	s.chunkCache.Set(key, chunk, int64(len(chunk)))
	return chunk, nil
}

func (s *HTTPDaveStorage) ReadPayload(node *common.DaveNode, dest []byte, off int64) (int, error) {
	return s.ReadAt(dest, int64(node.FileOffset)+off)
}

func (s *HTTPDaveStorage) Metadata() *common.DaveArchiveMetadata {
	return s.metadata
}

func (s *HTTPDaveStorage) AttachMetadata(metadata *common.DaveArchiveMetadata) {
	s.metadata = metadata
}

func (s *HTTPDaveStorage) CachedLocally() bool {
	return false
}

func (s *HTTPDaveStorage) Cleanup() error {
	s.chunkCache.Close()
	return nil
}
