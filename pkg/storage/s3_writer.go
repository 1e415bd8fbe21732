package storage

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go/aws"
)

// s3ArchiveWriter streams an archive into an S3 object as it is written.
type s3ArchiveWriter struct {
	ctx      context.Context
	uploader *manager.Uploader
	bucket   string
	key      string
	pw       *io.PipeWriter
	done     chan error
}

func newS3ArchiveWriter(ctx context.Context, svc *s3.Client, bucket string, key string) *s3ArchiveWriter {
	uploader := manager.NewUploader(svc)
	uploader.Concurrency = 128

	pr, pw := io.Pipe()

	w := &s3ArchiveWriter{
		ctx:      ctx,
		uploader: uploader,
		bucket:   bucket,
		key:      key,
		pw:       pw,
		done:     make(chan error, 1),
	}

	go func() {
		_, err := w.uploader.Upload(w.ctx, &s3.PutObjectInput{
			Bucket: aws.String(w.bucket),
			Key:    aws.String(w.key),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		w.done <- err
	}()

	return w
}

func (w *s3ArchiveWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// Close finishes the multipart upload and blocks until it completes.
func (w *s3ArchiveWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}
