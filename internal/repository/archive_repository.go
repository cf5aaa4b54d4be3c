package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

// ArchiveRepository persists the final state of ended exams.
type ArchiveRepository struct {
	pool *pgxpool.Pool
}

// NewArchiveRepository creates a new ArchiveRepository.
func NewArchiveRepository(pool *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{pool: pool}
}

// Save writes an exam archive in one transaction. Saving the same exam again
// replaces the previous rows, so a requeued archive is safe to retry.
func (r *ArchiveRepository) Save(ctx context.Context, a model.ExamArchive) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO exam_timer_archive (exam_id, start_time, end_time, status, ended_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (exam_id) DO UPDATE
			 SET start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
			     status = EXCLUDED.status, ended_at = EXCLUDED.ended_at`,
			a.ExamID, a.Timer.StartTime, a.Timer.EndTime, string(a.Timer.Status), a.Timer.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("upsert timer archive: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM exam_connection_archive WHERE exam_id = $1`, a.ExamID); err != nil {
			return fmt.Errorf("clear connection archive: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM exam_progress_archive WHERE exam_id = $1`, a.ExamID); err != nil {
			return fmt.Errorf("clear progress archive: %w", err)
		}

		if len(a.Connections) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"exam_connection_archive"},
				[]string{"exam_id", "student_id", "student_name", "student_email", "session_id", "ip_address", "status", "last_change_at"},
				pgx.CopyFromSlice(len(a.Connections), func(i int) ([]any, error) {
					c := a.Connections[i]
					return []any{c.ExamID, c.StudentID, c.StudentName, c.StudentEmail, c.SessionID, c.IPAddress, string(c.Status), c.LastChangeAt}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("copy connection archive: %w", err)
			}
		}

		if len(a.Progress) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"exam_progress_archive"},
				[]string{"exam_id", "submission_id", "student_id", "student_name", "total_questions", "answered_questions", "completion_percentage", "status", "last_update_time"},
				pgx.CopyFromSlice(len(a.Progress), func(i int) ([]any, error) {
					p := a.Progress[i]
					return []any{p.ExamID, p.SubmissionID, p.StudentID, p.StudentName, p.TotalQuestions, p.AnsweredQuestions, p.CompletionPercentage, string(p.Status), p.LastUpdateTime}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("copy progress archive: %w", err)
			}
		}
		return nil
	})
}
