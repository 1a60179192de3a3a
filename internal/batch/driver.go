package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pipeline"
	"github.com/watchedlabs/vframe/internal/pkg/ctxutil"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/platform/objectstore"
	"github.com/watchedlabs/vframe/internal/platform/qdrant"
	"github.com/watchedlabs/vframe/internal/repos"
	"github.com/watchedlabs/vframe/internal/types"
)

// verifyLag is how long the driver waits before the single re-verification
// attempt when count_by_code reads zero right after an upsert.
const verifyLag = 2 * time.Second

// ItemFailure is one item that exhausted its retries.
type ItemFailure struct {
	Code    string             `json:"code"`
	Kind    pipeline.ErrorKind `json:"error_kind"`
	Message string             `json:"message"`
}

// Summary is the final accounting for one driver run.
type Summary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    []ItemFailure
}

// AllOK reports whether every item succeeded or was cleanly skipped.
func (s Summary) AllOK() bool {
	return len(s.Failed) == 0
}

// Driver pulls work items, dispatches them to the per-video pipeline under
// bounded intra-batch concurrency, retries failures individually, verifies
// vector counts, flips metadata flags and checkpoints progress.
type Driver struct {
	log      *logger.Logger
	cfg      *config.Config
	pipe     pipeline.Service
	store    qdrant.Store
	contents repos.ContentRepo
	errs     repos.ExtractionErrorRepo
	ckpt     repos.CheckpointRepo
	buckets  objectstore.BucketService

	outMu     sync.Mutex
	out       io.Writer
	processed int
}

func NewDriver(
	log *logger.Logger,
	cfg *config.Config,
	pipe pipeline.Service,
	store qdrant.Store,
	contents repos.ContentRepo,
	errs repos.ExtractionErrorRepo,
	ckpt repos.CheckpointRepo,
	buckets objectstore.BucketService,
	out io.Writer,
) *Driver {
	return &Driver{
		log:      log.With("service", "BatchDriver"),
		cfg:      cfg,
		pipe:     pipe,
		store:    store,
		contents: contents,
		errs:     errs,
		ckpt:     ckpt,
		buckets:  buckets,
		out:      out,
	}
}

type outcome struct {
	item    types.WorkItem
	skipped bool
	err     error
}

// RunItems processes an explicit item list (API-submitted jobs). Batches run
// sequentially; retry-eligible failures are re-attempted individually after
// the initial pass.
func (d *Driver) RunItems(ctx context.Context, items []types.WorkItem, workdir string) (Summary, error) {
	ctx = ctxutil.Default(ctx)
	summary := Summary{Total: len(items)}
	if len(items) == 0 {
		return summary, nil
	}

	if err := d.store.EnsureCollection(ctx); err != nil {
		return summary, fmt.Errorf("ensure collection: %w", err)
	}

	var retry []types.WorkItem
	for start := 0; start < len(items); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}

		outcomes := d.runBatch(ctx, items[start:end], workdir)
		retry = append(retry, d.settle(ctx, outcomes, &summary)...)

		if end < len(items) {
			d.cooldown(ctx)
		}
	}

	d.retryPass(ctx, retry, workdir, &summary)
	d.buckets.Wait()
	return summary, nil
}

// RunFromStore drains pending content rows via the checkpointed cursor query
// until none remain.
func (d *Driver) RunFromStore(ctx context.Context, workdir string) (Summary, error) {
	ctx = ctxutil.Default(ctx)
	var summary Summary

	if err := d.store.EnsureCollection(ctx); err != nil {
		return summary, fmt.Errorf("ensure collection: %w", err)
	}

	cursor, err := d.loadCursor(ctx)
	if err != nil {
		return summary, err
	}

	var retry []types.WorkItem
	for {
		rows, err := d.contents.PendingAfter(ctx, nil, cursor, d.cfg.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("fetch pending batch: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		summary.Total += len(rows)

		batch := make([]types.WorkItem, len(rows))
		for i, row := range rows {
			batch[i] = types.WorkItem{Platform: row.Platform, Code: row.Code}
		}

		outcomes := d.runBatch(ctx, batch, workdir)
		retry = append(retry, d.settle(ctx, outcomes, &summary)...)

		last := rows[len(rows)-1]
		if err := d.ckpt.Set(ctx, nil, last.ID, last.CreatedAt); err != nil {
			return summary, fmt.Errorf("write checkpoint: %w", err)
		}
		cursor = repos.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}

		d.cooldown(ctx)
	}

	d.retryPass(ctx, retry, workdir, &summary)
	d.buckets.Wait()
	return summary, nil
}

func (d *Driver) loadCursor(ctx context.Context) (repos.Cursor, error) {
	row, err := d.ckpt.Get(ctx, nil)
	if err != nil {
		return repos.Cursor{}, fmt.Errorf("read checkpoint: %w", err)
	}
	if row == nil {
		return repos.Cursor{}, nil
	}
	return repos.Cursor{CreatedAt: row.LastCreatedAt, ID: row.LastID}, nil
}

// runBatch fans one batch out over the worker pool and collects per-item
// outcomes in batch order.
func (d *Driver) runBatch(ctx context.Context, batch []types.WorkItem, workdir string) []outcome {
	outcomes := make([]outcome, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxWorkers)
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			outcomes[i] = d.attemptItem(gctx, item, workdir)
			// Item failures are settled by the caller, never the group.
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// attemptItem runs the pipeline once and, on DONE, verifies the vector count
// and flips the metadata flags.
func (d *Driver) attemptItem(ctx context.Context, item types.WorkItem, workdir string) outcome {
	res := d.pipe.Process(ctx, item, workdir)
	if res.Err != nil {
		return outcome{item: item, err: res.Err}
	}
	if res.Skipped {
		return outcome{item: item, skipped: true}
	}

	if err := d.verify(ctx, item.Code); err != nil {
		return outcome{item: item, err: err}
	}
	if err := d.contents.MarkProcessed(ctx, nil, item.Code, res.Cropped); err != nil {
		d.log.Warn("flag flip failed", "code", item.Code, "error", err)
	}
	return outcome{item: item}
}

// verify confirms the vector store holds points for the code. A zero count
// gets exactly one re-verification after a short lag before failing.
func (d *Driver) verify(ctx context.Context, code string) error {
	n, err := d.store.CountByCode(ctx, code)
	if err != nil {
		return &pipeline.ItemError{Kind: pipeline.KindVectorStoreFailed, Phase: "verify", Cause: err}
	}
	if n > 0 {
		return nil
	}

	d.log.Warn("zero count after upsert, re-verifying", "code", code)
	select {
	case <-time.After(verifyLag):
	case <-ctx.Done():
		return ctx.Err()
	}

	n, err = d.store.CountByCode(ctx, code)
	if err != nil {
		return &pipeline.ItemError{Kind: pipeline.KindVectorStoreFailed, Phase: "verify", Cause: err}
	}
	if n > 0 {
		return nil
	}
	return &pipeline.ItemError{
		Kind:  pipeline.KindVectorStoreFailed,
		Phase: "verify",
		Cause: fmt.Errorf("count_by_code returned zero after re-verification"),
	}
}

// settle folds batch outcomes into the summary: successes and skips emit an
// item_done beacon, retryables queue, everything else fails finally.
func (d *Driver) settle(ctx context.Context, outcomes []outcome, summary *Summary) []types.WorkItem {
	var retry []types.WorkItem
	for _, o := range outcomes {
		switch {
		case o.skipped:
			summary.Skipped++
			d.emitItemDone()
		case o.err == nil:
			summary.Succeeded++
			d.emitItemDone()
		case pipeline.Retryable(o.err):
			retry = append(retry, o.item)
		default:
			d.failFinally(ctx, o.item, o.err, summary)
		}
	}
	return retry
}

// retryPass re-attempts queued items individually up to MAX_RETRIES.
func (d *Driver) retryPass(ctx context.Context, retry []types.WorkItem, workdir string, summary *Summary) {
	for _, item := range retry {
		var lastErr error
		resolved := false

		for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
			d.log.Info("retrying item", "code", item.Code, "attempt", attempt, "max_retries", d.cfg.MaxRetries)
			o := d.attemptItem(ctx, item, workdir)
			if o.err == nil {
				if o.skipped {
					summary.Skipped++
				} else {
					summary.Succeeded++
				}
				d.emitItemDone()
				resolved = true
				break
			}
			lastErr = o.err
			if !pipeline.Retryable(o.err) {
				break
			}
			d.cooldown(ctx)
		}

		if !resolved {
			if lastErr == nil {
				lastErr = fmt.Errorf("retries exhausted")
			}
			d.failFinally(ctx, item, lastErr, summary)
		}
	}
}

// failFinally records the extraction error, logs it, counts the item done
// and adds it to the failure list.
func (d *Driver) failFinally(ctx context.Context, item types.WorkItem, err error, summary *Summary) {
	kind := pipeline.KindOf(err)
	d.log.Error("item failed", "code", item.Code, "kind", string(kind), "error", err)

	if recErr := d.errs.Record(ctx, nil, item.Code, err.Error(), time.Now()); recErr != nil {
		d.log.Warn("extraction error not recorded", "code", item.Code, "error", recErr)
	}

	summary.Failed = append(summary.Failed, ItemFailure{
		Code:    item.Code,
		Kind:    kind,
		Message: err.Error(),
	})
	d.emitLine(fmt.Sprintf("ERROR item failed code=%s kind=%s: %v", item.Code, kind, err))
	d.emitItemDone()
}

// emitItemDone writes the monotonic {"item_done": N} beacon line.
func (d *Driver) emitItemDone() {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if d.out == nil {
		d.processed++
		return
	}
	d.processed++
	line, _ := json.Marshal(map[string]int{"item_done": d.processed})
	fmt.Fprintln(d.out, string(line))
}

func (d *Driver) emitLine(line string) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	if d.out == nil {
		return
	}
	fmt.Fprintln(d.out, line)
}

func (d *Driver) cooldown(ctx context.Context) {
	if d.cfg.SleepBetweenBatches <= 0 {
		return
	}
	select {
	case <-time.After(d.cfg.SleepBetweenBatches):
	case <-ctx.Done():
	}
}
