package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

// QueueArchiver pushes ended exams onto the archive queue consumed by worker.ArchiveWorker.
type QueueArchiver struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewQueueArchiver creates a new QueueArchiver.
func NewQueueArchiver(rdb *redis.Client, log zerolog.Logger) *QueueArchiver {
	return &QueueArchiver{rdb: rdb, log: log.With().Str("component", "queue_archiver").Logger()}
}

// Archive enqueues the archive for asynchronous persistence.
func (a *QueueArchiver) Archive(ctx context.Context, archive model.ExamArchive) error {
	data, err := json.Marshal(archive)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	if err := a.rdb.RPush(ctx, config.WorkerKey.ArchiveExamQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueue archive for exam %d: %w", archive.ExamID, err)
	}
	a.log.Debug().Int64("exam_id", archive.ExamID).Msg("Archive queued")
	return nil
}

// LogArchiver only logs a summary. Used when no Redis is configured.
type LogArchiver struct {
	log zerolog.Logger
}

// NewLogArchiver creates a new LogArchiver.
func NewLogArchiver(log zerolog.Logger) *LogArchiver {
	return &LogArchiver{log: log.With().Str("component", "log_archiver").Logger()}
}

func (a *LogArchiver) Archive(_ context.Context, archive model.ExamArchive) error {
	a.log.Info().
		Int64("exam_id", archive.ExamID).
		Int("connections", len(archive.Connections)).
		Int("submissions", len(archive.Progress)).
		Msg("Exam archive discarded, no archive store configured")
	return nil
}
