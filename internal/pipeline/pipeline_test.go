package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/types"
	"github.com/watchedlabs/vframe/internal/video"
)

type fakeBuckets struct {
	downloadPath string
	downloadErr  error
	uploads      [][]types.Frame
}

func (f *fakeBuckets) DownloadVideo(ctx context.Context, platform, code, workdir string, overwrite bool) (string, error) {
	return f.downloadPath, f.downloadErr
}

func (f *fakeBuckets) UploadFramesAsync(frames []types.Frame, platform, code string) {
	f.uploads = append(f.uploads, frames)
}

func (f *fakeBuckets) ListFrameKeys(ctx context.Context, platform, code string) ([]string, error) {
	return nil, nil
}

func (f *fakeBuckets) Wait() {}

type fakeVideo struct {
	cropped    bool
	cropErr    error
	frameCount int
	extractErr error
}

func (f *fakeVideo) Probe(ctx context.Context, path string) (video.ProbeInfo, error) {
	return video.ProbeInfo{}, nil
}

func (f *fakeVideo) Crop(ctx context.Context, src, dst string) (bool, error) {
	return f.cropped, f.cropErr
}

func (f *fakeVideo) ExtractFrames(ctx context.Context, videoPath, outDir string) ([]types.Frame, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	frames := make([]types.Frame, f.frameCount)
	for i := range frames {
		second := float64(i) + 0.5
		path := filepath.Join(outDir, fmt.Sprintf("%d_%s.png", i+1, types.FormatSecond(second)))
		if err := writeTestPNG(path, i); err != nil {
			return nil, err
		}
		frames[i] = types.Frame{Index: i + 1, Second: second, Path: path}
	}
	return frames, nil
}

func (f *fakeVideo) Renumber(frames []types.Frame) ([]types.Frame, error) {
	out := make([]types.Frame, len(frames))
	for i, fr := range frames {
		out[i] = types.Frame{Index: i + 1, Second: fr.Second, Path: fr.Path}
	}
	return out, nil
}

type fakeEncoder struct {
	err error
}

func (f *fakeEncoder) EmbedFiles(ctx context.Context, paths []string, dim int) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(paths))
	for i := range out {
		vec := make([]float32, dim)
		vec[0] = float32(i)
		out[i] = vec
	}
	return out, nil
}

type fakeStore struct {
	upserted  []qdrant.Point
	upsertErr error
}

func (f *fakeStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, points []qdrant.Point) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeStore) CountByCode(ctx context.Context, code string) (int, error) {
	return len(f.upserted), nil
}

func (f *fakeStore) Scroll(ctx context.Context, filter map[string]any, limit int, cursor json.RawMessage) ([]qdrant.ScrolledPoint, json.RawMessage, error) {
	return nil, nil, nil
}

func writeTestPNG(path string, seed int) error {
	// Three structurally different gradients so dHash never collides.
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			var v uint8
			switch seed % 3 {
			case 0:
				v = uint8(x * 8)
			case 1:
				v = uint8(255 - x*8)
			default:
				if x < 16 {
					v = uint8(x * 15)
				} else {
					v = uint8((31 - x) * 15)
				}
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func testConfig() *config.Config {
	return &config.Config{
		DHashSize: 8,
		Qdrant:    config.QdrantConfig{VectorDim: 4},
	}
}

func newTestService(buckets *fakeBuckets, vid *fakeVideo, enc *fakeEncoder, store *fakeStore) Service {
	return NewService(logger.NewNop(), testConfig(), buckets, vid, enc, store)
}

func TestProcess_HappyPath(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: "video.mp4"}
	vid := &fakeVideo{cropped: true, frameCount: 3}
	store := &fakeStore{}
	svc := newTestService(buckets, vid, &fakeEncoder{}, store)

	item := types.WorkItem{Platform: "instagram", Code: "ABC123"}
	res := svc.Process(context.Background(), item, t.TempDir())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.Downloaded || !res.Cropped || res.Skipped {
		t.Fatalf("wrong result flags: %+v", res)
	}
	if res.FrameCount != 3 || res.EmbeddedCount != 3 {
		t.Fatalf("wrong counts: %+v", res)
	}
	if !res.UploadDispatched || len(buckets.uploads) != 1 {
		t.Fatalf("upload not dispatched")
	}
	if len(store.upserted) != 3 {
		t.Fatalf("expected 3 points upserted, got %d", len(store.upserted))
	}
	for i, p := range store.upserted {
		frame := types.Frame{Index: i + 1, Second: float64(i) + 0.5}
		if p.ID != PointID(item.Platform, item.Code, frame) {
			t.Fatalf("point %d id not deterministic", i)
		}
	}
}

func TestProcess_MissingSourceSkips(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: ""}
	svc := newTestService(buckets, &fakeVideo{}, &fakeEncoder{}, &fakeStore{})

	res := svc.Process(context.Background(), types.WorkItem{Platform: "instagram", Code: "NOPE"}, t.TempDir())
	if res.Err != nil {
		t.Fatalf("skip must not be an error: %v", res.Err)
	}
	if !res.Skipped || res.Downloaded {
		t.Fatalf("expected skipped result: %+v", res)
	}
}

func TestProcess_DownloadErrorIsTransient(t *testing.T) {
	buckets := &fakeBuckets{downloadErr: errors.New("connection reset")}
	svc := newTestService(buckets, &fakeVideo{}, &fakeEncoder{}, &fakeStore{})

	res := svc.Process(context.Background(), types.WorkItem{Platform: "p", Code: "c"}, t.TempDir())
	if KindOf(res.Err) != KindTransient {
		t.Fatalf("expected transient, got %v (%v)", KindOf(res.Err), res.Err)
	}
	if !Retryable(res.Err) {
		t.Fatalf("transient must be retryable")
	}
}

func TestProcess_CropFailureContinuesUncropped(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: "video.mp4"}
	vid := &fakeVideo{cropErr: errors.New("encode blew up"), frameCount: 1}
	svc := newTestService(buckets, vid, &fakeEncoder{}, &fakeStore{})

	res := svc.Process(context.Background(), types.WorkItem{Platform: "p", Code: "c"}, t.TempDir())
	if res.Err != nil {
		t.Fatalf("crop failure must not fail the item: %v", res.Err)
	}
	if res.Cropped {
		t.Fatalf("fallback must report cropped=false")
	}
}

func TestProcess_ZeroFramesFailsNonRetryable(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: "video.mp4"}
	svc := newTestService(buckets, &fakeVideo{frameCount: 0}, &fakeEncoder{}, &fakeStore{})

	res := svc.Process(context.Background(), types.WorkItem{Platform: "p", Code: "c"}, t.TempDir())
	if KindOf(res.Err) != KindNoFrames {
		t.Fatalf("expected no_frames, got %v", KindOf(res.Err))
	}
	if Retryable(res.Err) {
		t.Fatalf("no_frames must not be retryable")
	}
}

func TestProcess_EncoderFailure(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: "video.mp4"}
	enc := &fakeEncoder{err: errors.New("gpu oom")}
	svc := newTestService(buckets, &fakeVideo{frameCount: 2}, enc, &fakeStore{})

	res := svc.Process(context.Background(), types.WorkItem{Platform: "p", Code: "c"}, t.TempDir())
	if KindOf(res.Err) != KindEncoderFailed {
		t.Fatalf("expected encode_failed, got %v", KindOf(res.Err))
	}
	if !Retryable(res.Err) {
		t.Fatalf("encoder failures are retryable")
	}
}

func TestProcess_UpsertFailureNoUpload(t *testing.T) {
	buckets := &fakeBuckets{downloadPath: "video.mp4"}
	store := &fakeStore{upsertErr: errors.New("qdrant 503")}
	svc := newTestService(buckets, &fakeVideo{frameCount: 2}, &fakeEncoder{}, store)

	res := svc.Process(context.Background(), types.WorkItem{Platform: "p", Code: "c"}, t.TempDir())
	if KindOf(res.Err) != KindVectorStoreFailed {
		t.Fatalf("expected vector_store, got %v", KindOf(res.Err))
	}
	if res.UploadDispatched || len(buckets.uploads) != 0 {
		t.Fatalf("upload must not be dispatched after upsert failure")
	}
}
