// Package topup refills the prefetch queue in the background: bounded
// burst workers generate documents, and a single review worker batches
// compliance reviews over the newly enqueued records.
package topup

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ndwlabs/ndw-gateway/internal/config"
	"github.com/ndwlabs/ndw-gateway/internal/dedupe"
	"github.com/ndwlabs/ndw-gateway/internal/engine"
	"github.com/ndwlabs/ndw-gateway/internal/models"
	"github.com/ndwlabs/ndw-gateway/internal/prefetch"
	"github.com/ndwlabs/ndw-gateway/internal/review"
)

const (
	maxReviewAttempts = 3
	retryCooldown     = 5 * time.Second
	burstSize         = 10
)

type reviewJob struct {
	ids     []string
	attempt int
}

// Manager owns the background refill and review machinery.
type Manager struct {
	queue    prefetch.Queue
	eng      *engine.Engine
	reviewer *review.Reviewer
	seen     dedupe.Store
	cfg      config.PrefetchConfig
	logger   *slog.Logger

	reviewBatch int
	running     atomic.Bool
	jobs        chan reviewJob
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a manager and starts its review worker.
func New(queue prefetch.Queue, eng *engine.Engine, reviewer *review.Reviewer, seen dedupe.Store, cfg config.PrefetchConfig, reviewBatch int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if reviewBatch <= 0 {
		reviewBatch = 5
	}
	m := &Manager{
		queue:       queue,
		eng:         eng,
		reviewer:    reviewer,
		seen:        seen,
		cfg:         cfg,
		logger:      logger,
		reviewBatch: reviewBatch,
		jobs:        make(chan reviewJob, 64),
		done:        make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reviewWorker()
	return m
}

// Close stops the review worker. Review jobs still queued are
// abandoned; their records stay in the prefetch queue.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

func maxFailures(target int) int {
	if f := target * 3; f > 5 {
		return f
	}
	return 5
}

// Prewarm fills the queue to desired at startup, bounded by a failure
// budget so a dead upstream cannot spin forever.
func (m *Manager) Prewarm(ctx context.Context, desired int) {
	if desired <= 0 {
		return
	}
	budget := maxFailures(desired)
	failures := 0
	var enqueued []string

	for m.queue.Size(ctx) < desired && failures < budget {
		got := 0
		for doc := range m.eng.Burst(ctx, "", 0, "", burstSize) {
			if doc.IsError() {
				continue
			}
			id, err := m.queue.Enqueue(ctx, doc)
			if err != nil {
				m.logger.Warn("prewarm: enqueue failed", "error", err)
				continue
			}
			if id != "" {
				enqueued = append(enqueued, id)
				got++
			}
			if m.queue.Size(ctx) >= desired {
				break
			}
		}
		if got == 0 {
			failures++
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(enqueued) > 0 {
		m.ScheduleReview(enqueued)
	}
	m.logger.Info("prewarm: done", "size", m.queue.Size(context.Background()), "failures", failures)
}

// ScheduleTopUp starts a background top-up unless one is already
// running.
func (m *Manager) ScheduleTopUp(brief string, minFill int) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.running.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		m.TopUp(ctx, brief, minFill)
	}()
}

// TopUp refills the queue until it clears both the fill target and the
// low-water mark, running up to MaxWorkers concurrent burst jobs.
func (m *Manager) TopUp(ctx context.Context, brief string, minFill int) {
	target := m.cfg.FillTo
	if minFill > target {
		target = minFill
	}
	budget := maxFailures(target)

	workers := int64(m.cfg.MaxWorkers)
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(workers)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var pending []string
	failures := 0

	flush := func() {
		mu.Lock()
		batch := pending
		pending = nil
		mu.Unlock()
		if len(batch) > 0 {
			m.ScheduleReview(batch)
		}
	}

	satisfied := func() bool {
		size := m.queue.Size(ctx)
		return size >= target && size > m.cfg.LowWater
	}

	for !satisfied() {
		mu.Lock()
		over := failures >= budget
		mu.Unlock()
		if over || gctx.Err() != nil {
			break
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer sem.Release(1)

			got := 0
			for doc := range m.eng.Burst(gctx, brief, 0, "", burstSize) {
				if doc.IsError() {
					continue
				}
				if m.queue.Size(gctx) >= target {
					break
				}
				id, err := m.queue.Enqueue(gctx, doc)
				if err != nil {
					m.logger.Warn("topup: enqueue failed", "error", err)
					continue
				}
				if id == "" {
					continue
				}
				got++

				mu.Lock()
				pending = append(pending, id)
				full := len(pending) >= m.reviewBatch
				mu.Unlock()
				if full {
					flush()
				}
			}
			if got == 0 {
				mu.Lock()
				failures++
				mu.Unlock()
			}
			return nil
		})
	}

	g.Wait()
	flush()
	m.logger.Info("topup: done", "size", m.queue.Size(context.Background()), "target", target, "failures", failures)
}

// ScheduleReview hands a batch of record ids to the review worker.
func (m *Manager) ScheduleReview(ids []string) {
	select {
	case m.jobs <- reviewJob{ids: ids, attempt: 1}:
	default:
		m.logger.Warn("topup: review queue full, dropping batch", "records", len(ids))
	}
}

// reviewWorker services review jobs FIFO, rescheduling unreviewable
// batches with a cool-down up to the attempt cap.
func (m *Manager) reviewWorker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.jobs:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			retry := m.reviewQueuedDocs(ctx, job.ids)
			cancel()

			if len(retry) > 0 && job.attempt < maxReviewAttempts {
				time.Sleep(retryCooldown)
				select {
				case m.jobs <- reviewJob{ids: retry, attempt: job.attempt + 1}:
				default:
					m.logger.Warn("topup: review queue full, abandoning retry", "records", len(retry))
				}
			} else if len(retry) > 0 {
				m.logger.Warn("topup: abandoning review batch", "records", len(retry), "attempts", job.attempt)
			}
		case <-m.done:
			return
		}
	}
}

// reviewQueuedDocs reviews enqueued records in place: blocked records
// are deleted, corrected ones overwritten. Records the reviewer could
// not cover this round are returned for retry.
func (m *Manager) reviewQueuedDocs(ctx context.Context, ids []string) []string {
	var docs []*models.Doc
	var kept []string
	for _, id := range ids {
		doc, err := m.queue.Load(ctx, id)
		if err != nil {
			m.logger.Warn("topup: dropping unreadable record from review", "record", id, "error", err)
			continue
		}
		docs = append(docs, doc)
		kept = append(kept, id)
	}
	if len(docs) == 0 {
		return nil
	}

	results := m.reviewer.ReviewBatch(ctx, docs)

	var retry []string
	for i, res := range results {
		id := kept[i]
		if !res.Reviewed {
			retry = append(retry, id)
			continue
		}
		if !res.OK {
			if err := m.queue.Remove(ctx, id); err != nil {
				m.logger.Warn("topup: failed to remove blocked record", "record", id, "error", err)
			}
			continue
		}
		if res.Corrected != nil {
			doc := res.Corrected
			if res.Record != nil {
				doc.AttachReview(res.Record)
			}
			if err := m.queue.Replace(ctx, id, doc); err != nil {
				m.logger.Warn("topup: failed to overwrite corrected record", "record", id, "error", err)
				continue
			}
			if sig := dedupe.Signature(doc); sig != "" {
				m.seen.Add(ctx, sig)
			}
		} else if res.Record != nil {
			doc := docs[i]
			doc.AttachReview(res.Record)
			if err := m.queue.Replace(ctx, id, doc); err != nil {
				m.logger.Warn("topup: failed to attach review", "record", id, "error", err)
			}
		}
	}
	return retry
}
