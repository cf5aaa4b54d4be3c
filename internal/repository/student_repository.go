package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-live/internal/model"
)

var ErrStudentNotFound = errors.New("student not found")

// StudentRepository resolves student identities from the shared students table.
type StudentRepository struct {
	pool *pgxpool.Pool
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(pool *pgxpool.Pool) *StudentRepository {
	return &StudentRepository{pool: pool}
}

// GetByID retrieves a student's display identity by ID.
func (r *StudentRepository) GetByID(ctx context.Context, id int64) (model.Student, error) {
	var s model.Student
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(email, '') FROM students WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Student{}, fmt.Errorf("%w: id %d", ErrStudentNotFound, id)
		}
		return model.Student{}, fmt.Errorf("query student %d: %w", id, err)
	}
	return s, nil
}
