// Package archive uploads frames that failed to solve to S3 compatible
// object storage so they can be inspected later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/w1xm/platesolve/camera"
	"github.com/w1xm/platesolve/internal/log"
)

type Options struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	UseSSL          bool   `mapstructure:"use-ssl"`
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`
}

type frame struct {
	img camera.Image
	err error
}

// Archive queues failed frames and uploads them from Run. Frames arriving
// while the queue is full are dropped.
type Archive struct {
	opts   Options
	client *minio.Client
	put    func(ctx context.Context, key string, data []byte, meta map[string]string) error
	frames chan frame
}

func New(opts Options) (*Archive, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	a := newArchive(opts)
	a.client = client
	a.put = func(ctx context.Context, key string, data []byte, meta map[string]string) error {
		_, err := client.PutObject(ctx, opts.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType:  "image/fits",
			UserMetadata: meta,
		})
		return err
	}
	return a, nil
}

func newArchive(opts Options) *Archive {
	return &Archive{opts: opts, frames: make(chan frame, 4)}
}

// CheckBucket creates the bucket if it does not exist.
func (a *Archive) CheckBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.opts.Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", a.opts.Bucket, err)
	}
	if !exists {
		log.Info("bucket does not exist, creating", "bucket", a.opts.Bucket)
		if err := a.client.MakeBucket(ctx, a.opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %q: %w", a.opts.Bucket, err)
		}
	}
	return nil
}

// Failed queues img for upload. It never blocks.
func (a *Archive) Failed(img camera.Image, err error) {
	select {
	case a.frames <- frame{img: img, err: err}:
	default:
		log.Warn("archive queue full, dropping frame", "time", img.Time)
	}
}

// Run uploads queued frames until ctx is cancelled.
func (a *Archive) Run(ctx context.Context) error {
	for {
		select {
		case f := <-a.frames:
			key := a.key(f.img)
			uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := a.put(uploadCtx, key, f.img.Data, map[string]string{"solve-error": f.err.Error()})
			cancel()
			if err != nil {
				log.Error(err, "archiving frame", "key", key)
				continue
			}
			log.Debug("archived frame", "key", key, "bytes", len(f.img.Data))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Archive) key(img camera.Image) string {
	t := img.Time
	if t.IsZero() {
		t = time.Now()
	}
	ext := img.Format
	if ext == "" {
		ext = ".fits"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return a.opts.Prefix + t.UTC().Format("20060102T150405.000Z") + ext
}
