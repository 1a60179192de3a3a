package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/ctxutil"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

const videoObjectName = "video.mp4"

// VideoKey is the raw-video object key for one work item.
func VideoKey(platform, code string) string {
	return fmt.Sprintf("%s/%s/%s", platform, code, videoObjectName)
}

// FrameKey is the object key for one extracted frame.
func FrameKey(platform, code string, frame types.Frame) string {
	return fmt.Sprintf("%s/%s/%d_%s.png", platform, code, frame.Index, types.FormatSecond(frame.Second))
}

type BucketService interface {
	// DownloadVideo fetches the raw video into workdir and returns its local
	// path. It returns ("", nil) when the object is missing or unreadable
	// (404/403), which callers treat as a skip, and short-circuits to the
	// code itself when platform == "local".
	DownloadVideo(ctx context.Context, platform, code, workdir string, overwrite bool) (string, error)
	// UploadFramesAsync dispatches a fire-and-forget upload of every frame
	// under {platform}/{code}/ in the frames bucket. The call returns
	// immediately; individual failures are logged and never fail the job.
	UploadFramesAsync(frames []types.Frame, platform, code string)
	// ListFrameKeys lists uploaded frame keys for one video. Reconciliation
	// helper, not on the hot path.
	ListFrameKeys(ctx context.Context, platform, code string) ([]string, error)
	// Wait blocks until previously dispatched uploads finish. Shutdown hook.
	Wait()
}

type bucketService struct {
	log *logger.Logger
	cfg config.ObjectStoreConfig

	clientOnce sync.Once
	client     *storage.Client
	clientErr  error

	uploads sync.WaitGroup
}

func NewBucketService(log *logger.Logger, cfg config.ObjectStoreConfig) (BucketService, error) {
	if strings.TrimSpace(cfg.VideosBucket) == "" {
		return nil, fmt.Errorf("missing VIDEOS_BUCKET_NAME")
	}
	if strings.TrimSpace(cfg.FramesBucket) == "" {
		return nil, fmt.Errorf("missing FRAMES_BUCKET_NAME")
	}
	if cfg.UploadMaxWorkers <= 0 {
		cfg.UploadMaxWorkers = 4
	}
	return &bucketService{
		log: log.With("service", "BucketService"),
		cfg: cfg,
	}, nil
}

// storageClient selects the client lazily on first use: signed when
// credentials are configured, unsigned public access otherwise.
func (bs *bucketService) storageClient(ctx context.Context) (*storage.Client, error) {
	bs.clientOnce.Do(func() {
		opts := clientOptionsFromEnv()
		mode := "signed"
		if len(opts) == 0 {
			opts = append(opts, option.WithoutAuthentication())
			mode = "unsigned_public"
		}
		if bs.cfg.IsEmulatorMode() {
			host := strings.TrimRight(strings.TrimSpace(bs.cfg.EmulatorHost), "/")
			opts = append(opts, option.WithEndpoint(host+"/storage/v1/"))
			mode = mode + "_emulator"
		}
		client, err := storage.NewClient(ctxutil.Default(ctx), opts...)
		if err != nil {
			bs.clientErr = fmt.Errorf("create storage client: %w", err)
			return
		}
		bs.client = client
		bs.log.Info("object store client initialized", "mode", mode,
			"videos_bucket", bs.cfg.VideosBucket, "frames_bucket", bs.cfg.FramesBucket)
	})
	return bs.client, bs.clientErr
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (bs *bucketService) DownloadVideo(ctx context.Context, platform, code, workdir string, overwrite bool) (string, error) {
	ctx = ctxutil.Default(ctx)

	if platform == "local" {
		if _, err := os.Stat(code); err != nil {
			bs.log.Warn("local video missing", "path", code, "error", err)
			return "", nil
		}
		return code, nil
	}

	dst := filepath.Join(workdir, videoObjectName)
	if !overwrite {
		if _, err := os.Stat(dst); err == nil {
			return dst, nil
		}
	}

	client, err := bs.storageClient(ctx)
	if err != nil {
		return "", err
	}

	key := VideoKey(platform, code)
	reader, err := client.Bucket(bs.cfg.VideosBucket).Object(key).NewReader(ctx)
	if err != nil {
		if isMissingOrForbidden(err) {
			bs.log.Warn("source video not available", "key", key, "error", err)
			return "", nil
		}
		return "", fmt.Errorf("open object %s: %w", key, err)
	}
	defer reader.Close()

	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir workdir: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	return dst, nil
}

func isMissingOrForbidden(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404 || apiErr.Code == 403
	}
	return false
}

func (bs *bucketService) UploadFramesAsync(frames []types.Frame, platform, code string) {
	if len(frames) == 0 {
		return
	}
	// Copy so callers may clean their slice after dispatch.
	batch := make([]types.Frame, len(frames))
	copy(batch, frames)

	bs.uploads.Add(1)
	go func() {
		defer bs.uploads.Done()

		ctx := context.Background()
		client, err := bs.storageClient(ctx)
		if err != nil {
			bs.log.Error("frame upload pool could not init client", "error", err)
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(bs.cfg.UploadMaxWorkers)
		for _, frame := range batch {
			frame := frame
			g.Go(func() error {
				key := FrameKey(platform, code, frame)
				if err := bs.uploadFrame(gctx, client, key, frame.Path); err != nil {
					bs.log.Error("frame upload failed", "key", key, "error", err)
				}
				// Individual failures never cancel sibling uploads.
				return nil
			})
		}
		_ = g.Wait()
		bs.log.Debug("frame uploads finished", "platform", platform, "code", code, "count", len(batch))
	}()
}

func (bs *bucketService) uploadFrame(ctx context.Context, client *storage.Client, key, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open frame: %w", err)
	}
	defer src.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(bs.cfg.FramesBucket).Object(key).NewWriter(ctx)
	w.ContentType = "image/png"
	w.PredefinedACL = "bucketOwnerFullControl"
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize object: %w", err)
	}
	return nil
}

func (bs *bucketService) ListFrameKeys(ctx context.Context, platform, code string) ([]string, error) {
	ctx = ctxutil.Default(ctx)
	client, err := bs.storageClient(ctx)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s/%s/", platform, code)
	it := client.Bucket(bs.cfg.FramesBucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (bs *bucketService) Wait() {
	bs.uploads.Wait()
}
