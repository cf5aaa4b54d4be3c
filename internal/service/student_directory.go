package service

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

// studentIdentityTTL bounds how long a renamed student keeps showing the old name.
const studentIdentityTTL = 15 * time.Minute

// StudentLookup resolves a student id to a display identity.
type StudentLookup interface {
	GetByID(ctx context.Context, id int64) (model.Student, error)
}

// StudentDirectory caches student identities in Redis in front of the database.
type StudentDirectory struct {
	source StudentLookup
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewStudentDirectory creates a directory; rdb may be nil to disable caching.
func NewStudentDirectory(source StudentLookup, rdb *redis.Client, log zerolog.Logger) *StudentDirectory {
	return &StudentDirectory{
		source: source,
		rdb:    rdb,
		log:    log.With().Str("component", "student_directory").Logger(),
	}
}

// Lookup returns the student's identity, reading through the cache.
func (d *StudentDirectory) Lookup(ctx context.Context, studentID int64) (model.Student, error) {
	key := config.CacheKey.StudentIdentityKey(studentID)

	if d.rdb != nil {
		raw, err := d.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var s model.Student
			if jsonErr := json.Unmarshal(raw, &s); jsonErr == nil {
				return s, nil
			}
		case !errors.Is(err, redis.Nil):
			d.log.Warn().Err(err).Int64("student_id", studentID).Msg("Identity cache read failed")
		}
	}

	s, err := d.source.GetByID(ctx, studentID)
	if err != nil {
		return model.Student{}, err
	}

	if d.rdb != nil {
		if data, err := json.Marshal(s); err == nil {
			if err := d.rdb.Set(ctx, key, data, studentIdentityTTL).Err(); err != nil {
				d.log.Warn().Err(err).Int64("student_id", studentID).Msg("Identity cache write failed")
			}
		}
	}
	return s, nil
}
