package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pipeline"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/repos"
	"github.com/watchedlabs/vframe/internal/types"
)

// fakePipe scripts per-code outcomes. Each Process call on a code consumes
// the next scripted result, repeating the last one when exhausted.
type fakePipe struct {
	mu      sync.Mutex
	scripts map[string][]types.ProcessResult
	calls   map[string]int
}

func newFakePipe() *fakePipe {
	return &fakePipe{scripts: map[string][]types.ProcessResult{}, calls: map[string]int{}}
}

func (p *fakePipe) script(code string, results ...types.ProcessResult) {
	p.scripts[code] = results
}

func (p *fakePipe) Process(ctx context.Context, item types.WorkItem, workdir string) types.ProcessResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[item.Code]++

	script := p.scripts[item.Code]
	if len(script) == 0 {
		return types.ProcessResult{Item: item}
	}
	idx := p.calls[item.Code] - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	res := script[idx]
	res.Item = item
	return res
}

func (p *fakePipe) callCount(code string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[code]
}

type fakeStore struct {
	mu     sync.Mutex
	counts map[string][]int
	seen   map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: map[string][]int{}, seen: map[string]int{}}
}

func (s *fakeStore) EnsureCollection(ctx context.Context) error         { return nil }
func (s *fakeStore) Upsert(ctx context.Context, p []qdrant.Point) error { return nil }

func (s *fakeStore) CountByCode(ctx context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := s.counts[code]
	if len(script) == 0 {
		return 1, nil
	}
	idx := s.seen[code]
	s.seen[code]++
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx], nil
}

func (s *fakeStore) Scroll(ctx context.Context, filter map[string]any, limit int, cursor json.RawMessage) ([]qdrant.ScrolledPoint, json.RawMessage, error) {
	return nil, nil, nil
}

type fakeContents struct {
	mu     sync.Mutex
	rows   []*types.Content
	marked map[string]bool
}

func newFakeContents(rows ...*types.Content) *fakeContents {
	return &fakeContents{rows: rows, marked: map[string]bool{}}
}

func (c *fakeContents) Create(ctx context.Context, tx *gorm.DB, rows []*types.Content) ([]*types.Content, error) {
	return rows, nil
}

func (c *fakeContents) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.Content, error) {
	for _, row := range c.rows {
		if row.Code == code {
			return row, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (c *fakeContents) PendingAfter(ctx context.Context, tx *gorm.DB, after repos.Cursor, limit int) ([]*types.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*types.Content
	for _, row := range c.rows {
		if c.marked[row.Code] {
			continue
		}
		if !after.IsZero() {
			if row.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if row.CreatedAt.Equal(after.CreatedAt) && row.ID.String() <= after.ID.String() {
				continue
			}
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *fakeContents) MarkProcessed(ctx context.Context, tx *gorm.DB, code string, cropped bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked[code] = true
	return nil
}

func (c *fakeContents) isMarked(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marked[code]
}

type fakeErrs struct {
	mu       sync.Mutex
	recorded []string
}

func (e *fakeErrs) Record(ctx context.Context, tx *gorm.DB, code, errText string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorded = append(e.recorded, code)
	return nil
}

func (e *fakeErrs) ListByCode(ctx context.Context, tx *gorm.DB, code string) ([]*types.ExtractionError, error) {
	return nil, nil
}

func (e *fakeErrs) codes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.recorded...)
}

type fakeCkpt struct {
	mu   sync.Mutex
	row  *types.ExtractionCheckpoint
	sets int
}

func (c *fakeCkpt) Get(ctx context.Context, tx *gorm.DB) (*types.ExtractionCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.row, nil
}

func (c *fakeCkpt) Set(ctx context.Context, tx *gorm.DB, lastID uuid.UUID, lastCreatedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.row = &types.ExtractionCheckpoint{ID: 1, LastID: lastID, LastCreatedAt: lastCreatedAt}
	c.sets++
	return nil
}

func (c *fakeCkpt) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

type fakeBuckets struct {
	mu     sync.Mutex
	waited bool
}

func (b *fakeBuckets) DownloadVideo(ctx context.Context, platform, code, workdir string, overwrite bool) (string, error) {
	return "", nil
}
func (b *fakeBuckets) UploadFramesAsync(frames []types.Frame, platform, code string) {}
func (b *fakeBuckets) ListFrameKeys(ctx context.Context, platform, code string) ([]string, error) {
	return nil, nil
}
func (b *fakeBuckets) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waited = true
}

func (b *fakeBuckets) didWait() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waited
}

func driverConfig() *config.Config {
	return &config.Config{
		MaxWorkers:          2,
		BatchSize:           2,
		SleepBetweenBatches: 0,
		MaxRetries:          2,
	}
}

func newTestDriver(pipe *fakePipe, store *fakeStore, contents *fakeContents, errs *fakeErrs, ckpt *fakeCkpt, buckets *fakeBuckets, out *bytes.Buffer) *Driver {
	return NewDriver(logger.NewNop(), driverConfig(), pipe, store, contents, errs, ckpt, buckets, out)
}

func beaconValues(t *testing.T, out *bytes.Buffer) []int {
	t.Helper()
	var values []int
	for _, line := range strings.Split(out.String(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var b struct {
			ItemDone *int `json:"item_done"`
		}
		if err := json.Unmarshal([]byte(line), &b); err != nil || b.ItemDone == nil {
			continue
		}
		values = append(values, *b.ItemDone)
	}
	return values
}

func workItems(codes ...string) []types.WorkItem {
	out := make([]types.WorkItem, len(codes))
	for i, code := range codes {
		out[i] = types.WorkItem{Platform: "instagram", Code: code}
	}
	return out
}

func TestRunItems_HappyPath(t *testing.T) {
	pipe := newFakePipe()
	store := newFakeStore()
	contents := newFakeContents()
	errs := &fakeErrs{}
	ckpt := &fakeCkpt{}
	buckets := &fakeBuckets{}
	var out bytes.Buffer

	d := newTestDriver(pipe, store, contents, errs, ckpt, buckets, &out)
	summary, err := d.RunItems(context.Background(), workItems("a", "b", "c"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 3 || len(summary.Failed) != 0 {
		t.Fatalf("wrong summary: %+v", summary)
	}

	beacons := beaconValues(t, &out)
	if len(beacons) != 3 || beacons[2] != 3 {
		t.Fatalf("beacons must count every item once: %v", beacons)
	}
	for _, code := range []string{"a", "b", "c"} {
		if !contents.isMarked(code) {
			t.Fatalf("flags not flipped for %s", code)
		}
	}
	if !buckets.didWait() {
		t.Fatalf("driver must drain pending uploads before returning")
	}
}

func TestRunItems_RetryableFailureRecoversInRetryPass(t *testing.T) {
	pipe := newFakePipe()
	pipe.script("flaky",
		types.ProcessResult{Err: &pipeline.ItemError{Kind: pipeline.KindTransient, Phase: "download", Cause: errors.New("timeout")}},
		types.ProcessResult{},
	)

	var out bytes.Buffer
	contents := newFakeContents()
	d := newTestDriver(pipe, newFakeStore(), contents, &fakeErrs{}, &fakeCkpt{}, &fakeBuckets{}, &out)

	summary, err := d.RunItems(context.Background(), workItems("flaky"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 1 || len(summary.Failed) != 0 {
		t.Fatalf("retry should have recovered: %+v", summary)
	}
	if pipe.callCount("flaky") != 2 {
		t.Fatalf("expected 2 attempts, got %d", pipe.callCount("flaky"))
	}
	if got := beaconValues(t, &out); len(got) != 1 || got[0] != 1 {
		t.Fatalf("item must be counted once, on final disposition: %v", got)
	}
	if !contents.isMarked("flaky") {
		t.Fatalf("recovered item must still be flag-flipped")
	}
}

func TestRunItems_ExhaustedRetriesFailFinally(t *testing.T) {
	pipe := newFakePipe()
	pipe.script("doomed", types.ProcessResult{
		Err: &pipeline.ItemError{Kind: pipeline.KindEncoderFailed, Phase: "embed", Cause: errors.New("encoder down")},
	})

	var out bytes.Buffer
	errs := &fakeErrs{}
	d := newTestDriver(pipe, newFakeStore(), newFakeContents(), errs, &fakeCkpt{}, &fakeBuckets{}, &out)

	summary, err := d.RunItems(context.Background(), workItems("doomed"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Failed) != 1 || summary.Failed[0].Code != "doomed" {
		t.Fatalf("failure not surfaced: %+v", summary)
	}
	if summary.Failed[0].Kind != pipeline.KindEncoderFailed {
		t.Fatalf("kind lost: %s", summary.Failed[0].Kind)
	}
	// Initial attempt plus MaxRetries individual re-attempts.
	if pipe.callCount("doomed") != 3 {
		t.Fatalf("expected 3 attempts, got %d", pipe.callCount("doomed"))
	}
	if got := errs.codes(); len(got) != 1 || got[0] != "doomed" {
		t.Fatalf("extraction error not recorded: %v", got)
	}
	if got := beaconValues(t, &out); len(got) != 1 {
		t.Fatalf("failed item must still emit exactly one beacon: %v", got)
	}
	if !strings.Contains(out.String(), "ERROR item failed code=doomed") {
		t.Fatalf("failure line missing from stream: %s", out.String())
	}
}

func TestRunItems_NonRetryableFailsWithoutRetry(t *testing.T) {
	pipe := newFakePipe()
	pipe.script("empty", types.ProcessResult{
		Err: &pipeline.ItemError{Kind: pipeline.KindNoFrames, Phase: "extract", Cause: errors.New("only solid frames")},
	})

	var out bytes.Buffer
	d := newTestDriver(pipe, newFakeStore(), newFakeContents(), &fakeErrs{}, &fakeCkpt{}, &fakeBuckets{}, &out)

	summary, err := d.RunItems(context.Background(), workItems("empty"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("expected final failure: %+v", summary)
	}
	if pipe.callCount("empty") != 1 {
		t.Fatalf("no_frames must not be retried, attempts=%d", pipe.callCount("empty"))
	}
}

func TestRunItems_SkipCountsClean(t *testing.T) {
	pipe := newFakePipe()
	pipe.script("gone", types.ProcessResult{Skipped: true})

	var out bytes.Buffer
	contents := newFakeContents()
	errs := &fakeErrs{}
	d := newTestDriver(pipe, newFakeStore(), contents, errs, &fakeCkpt{}, &fakeBuckets{}, &out)

	summary, err := d.RunItems(context.Background(), workItems("gone"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Skipped != 1 || len(summary.Failed) != 0 {
		t.Fatalf("skip must be clean: %+v", summary)
	}
	if contents.isMarked("gone") {
		t.Fatalf("skipped item must not be flag-flipped")
	}
	if len(errs.codes()) != 0 {
		t.Fatalf("skip must not record an extraction error")
	}
	if got := beaconValues(t, &out); len(got) != 1 {
		t.Fatalf("skip still counts toward progress: %v", got)
	}
}

func TestRunFromStore_AdvancesCheckpointPerBatch(t *testing.T) {
	base := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	rows := make([]*types.Content, 5)
	for i := range rows {
		rows[i] = &types.Content{
			ID:        uuid.New(),
			Platform:  "instagram",
			Code:      fmt.Sprintf("code-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}

	pipe := newFakePipe()
	contents := newFakeContents(rows...)
	ckpt := &fakeCkpt{}
	var out bytes.Buffer

	d := newTestDriver(pipe, newFakeStore(), contents, &fakeErrs{}, ckpt, &fakeBuckets{}, &out)
	summary, err := d.RunFromStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 5 || summary.Succeeded != 5 {
		t.Fatalf("wrong summary: %+v", summary)
	}
	// 5 rows at batch size 2: three batches, three checkpoint writes.
	if ckpt.setCount() != 3 {
		t.Fatalf("expected 3 checkpoint writes, got %d", ckpt.setCount())
	}
	if ckpt.row.LastID != rows[4].ID {
		t.Fatalf("checkpoint not at last row: %s", ckpt.row.LastID)
	}
}

func TestRunFromStore_ResumesFromStoredCheckpoint(t *testing.T) {
	base := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	rows := make([]*types.Content, 4)
	for i := range rows {
		rows[i] = &types.Content{
			ID:        uuid.New(),
			Platform:  "instagram",
			Code:      fmt.Sprintf("code-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}

	pipe := newFakePipe()
	contents := newFakeContents(rows...)
	ckpt := &fakeCkpt{row: &types.ExtractionCheckpoint{
		ID: 1, LastID: rows[1].ID, LastCreatedAt: rows[1].CreatedAt,
	}}

	d := newTestDriver(pipe, newFakeStore(), contents, &fakeErrs{}, ckpt, &fakeBuckets{}, &bytes.Buffer{})
	summary, err := d.RunFromStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Total != 2 {
		t.Fatalf("only rows after the checkpoint should run: %+v", summary)
	}
	if pipe.callCount("code-0") != 0 || pipe.callCount("code-1") != 0 {
		t.Fatalf("rows before the checkpoint must be skipped")
	}
	if pipe.callCount("code-2") != 1 || pipe.callCount("code-3") != 1 {
		t.Fatalf("rows after the checkpoint must run once")
	}
}

func TestVerify_ReVerifiesOnceBeforeFailing(t *testing.T) {
	pipe := newFakePipe()
	store := newFakeStore()
	// First read races the upsert and sees zero, the re-read succeeds.
	store.counts["racy"] = []int{0, 12}

	var out bytes.Buffer
	contents := newFakeContents()
	d := newTestDriver(pipe, store, contents, &fakeErrs{}, &fakeCkpt{}, &fakeBuckets{}, &out)

	summary, err := d.RunItems(context.Background(), workItems("racy"), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Succeeded != 1 {
		t.Fatalf("re-verification should have passed: %+v", summary)
	}
	if !contents.isMarked("racy") {
		t.Fatalf("verified item must be flag-flipped")
	}
}
