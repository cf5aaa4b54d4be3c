package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

const (
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	RetryBackoff = 5 * time.Second
)

// ArchiveStore persists one exam archive.
type ArchiveStore interface {
	Save(ctx context.Context, archive model.ExamArchive) error
}

// ArchiveWorker consumes archive_exam_queue and writes ended exams to PostgreSQL.
type ArchiveWorker struct {
	store ArchiveStore
	rdb   *redis.Client
	log   zerolog.Logger

	retryBackoff time.Duration
}

// NewArchiveWorker creates a new ArchiveWorker.
func NewArchiveWorker(store ArchiveStore, rdb *redis.Client, log zerolog.Logger) *ArchiveWorker {
	return &ArchiveWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "archive_worker").Logger(),
		retryBackoff: RetryBackoff,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *ArchiveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *ArchiveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.ArchiveExamQueue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || ctx.Err() != nil {
			return
		}
		w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
		sleep(ctx, 3*time.Second)
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.persist(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Dur("retry_in", w.retryBackoff).Msg("Persist error, requeueing")
		if err := w.rdb.RPush(context.Background(), config.WorkerKey.ArchiveExamQueue, result[1]).Err(); err != nil {
			w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue archive. Data loss occurred.")
		}
		sleep(ctx, w.retryBackoff)
	}
}

// errMalformed marks payloads that will never decode; they are dropped, not requeued.
var errMalformed = errors.New("malformed archive payload")

func (w *ArchiveWorker) persist(ctx context.Context, raw string) error {
	var archive model.ExamArchive
	if err := json.Unmarshal([]byte(raw), &archive); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
		return nil
	}
	if archive.ExamID <= 0 {
		w.log.Error().Err(errMalformed).Str("data", raw).Msg("Discarding archive without exam id")
		return nil
	}

	if err := w.store.Save(ctx, archive); err != nil {
		return err
	}
	w.log.Info().
		Int64("exam_id", archive.ExamID).
		Int("connections", len(archive.Connections)).
		Int("submissions", len(archive.Progress)).
		Msg("Exam archived")
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *ArchiveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.ArchiveExamQueue).Result()
		if err != nil {
			break
		}
		if err := w.persist(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(context.Background(), config.WorkerKey.ArchiveExamQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
