package s3sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/fileutil"
	"github.com/eunmann/mail-metrics/pkg/logging"
)

const parquetContentType = "application/vnd.apache.parquet"

// runIDMetadataKey tags each object with the run that wrote it. S3 serves
// it back as x-amz-meta-run-id.
const runIDMetadataKey = "run-id"

// objectUploader is the subset of manager.Uploader used here.
type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Config tunes the uploader.
type Config struct {
	// Concurrency is the number of files uploaded at once.
	// Default: min(4, NumCPU).
	Concurrency int
	// PartSize is the multipart part size. Default: 8MiB.
	PartSize int64
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = min(4, runtime.NumCPU())
	}
	if c.PartSize <= 0 {
		c.PartSize = 8 * 1024 * 1024
	}
	return c
}

// Uploader copies files from a local directory to a Target.
type Uploader struct {
	up     objectUploader
	target Target
	cfg    Config
}

// NewUploader builds an uploader from the default AWS credential chain.
func NewUploader(ctx context.Context, target Target, cfg Config) (*Uploader, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewUploaderWithConfig(awsCfg, target, cfg), nil
}

// NewUploaderWithConfig builds an uploader from an explicit AWS config.
func NewUploaderWithConfig(awsCfg aws.Config, target Target, cfg Config) *Uploader {
	cfg = cfg.withDefaults()
	mgr := manager.NewUploader(s3.NewFromConfig(awsCfg), func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
	})
	return &Uploader{up: mgr, target: target, cfg: cfg}
}

// Uploaded describes one uploaded object.
type Uploaded struct {
	Key   string
	Bytes int64
}

// UploadDir uploads every file in dir whose name ends in ext. All files
// are attempted; the first error is returned after the rest finish.
func (u *Uploader) UploadDir(ctx context.Context, dir, ext string) ([]Uploaded, error) {
	paths, err := fileutil.ListFiles(dir, ext)
	if err != nil {
		return nil, fmt.Errorf("list snapshot files: %w", err)
	}
	return u.UploadFiles(ctx, paths)
}

// UploadFiles uploads paths concurrently, keyed by base name.
func (u *Uploader) UploadFiles(ctx context.Context, paths []string) ([]Uploaded, error) {
	log := logctx.FromContext(ctx).With().Str("phase", "upload").Logger()
	start := time.Now()

	var (
		mu   sync.Mutex
		done []Uploaded
	)
	var g errgroup.Group
	g.SetLimit(u.cfg.Concurrency)

	for _, p := range paths {
		g.Go(func() error {
			up, err := u.uploadFile(ctx, p)
			if err != nil {
				log.Warn().Err(err).Str("file", filepath.Base(p)).Msg("upload failed")
				return err
			}
			mu.Lock()
			done = append(done, up)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	var total int64
	for _, d := range done {
		total += d.Bytes
	}
	logging.PhaseComplete(log, "upload", time.Since(start)).
		Str("target", u.target.String()).
		Int("files", len(done)).
		Bytes("bytes", total).
		Log("snapshot upload finished")
	return done, err
}

func (u *Uploader) uploadFile(ctx context.Context, path string) (Uploaded, error) {
	f, err := os.Open(path)
	if err != nil {
		return Uploaded{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Uploaded{}, err
	}

	key := u.target.Key(filepath.Base(path))
	in := &s3.PutObjectInput{
		Bucket:      aws.String(u.target.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(parquetContentType),
	}
	if id := logctx.RunID(ctx); id != "" {
		in.Metadata = map[string]string{runIDMetadataKey: id}
	}
	_, err = u.up.Upload(ctx, in)
	if err != nil {
		return Uploaded{}, fmt.Errorf("put s3://%s/%s: %w", u.target.Bucket, key, err)
	}
	return Uploaded{Key: key, Bytes: st.Size()}, nil
}
