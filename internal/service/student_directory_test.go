package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

type countingLookup struct {
	calls    int
	students map[int64]model.Student
}

func (l *countingLookup) GetByID(_ context.Context, id int64) (model.Student, error) {
	l.calls++
	s, ok := l.students[id]
	if !ok {
		return model.Student{}, errors.New("student not found")
	}
	return s, nil
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestStudentDirectory_ReadThroughCache(t *testing.T) {
	mr, rdb := newTestRedis(t)
	source := &countingLookup{students: map[int64]model.Student{
		7: {ID: 7, Name: "Siti Aminah", Email: "siti@school.test"},
	}}
	dir := NewStudentDirectory(source, rdb, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := dir.Lookup(ctx, 7)
		if err != nil {
			t.Fatalf("lookup %d: %v", i, err)
		}
		if s.Name != "Siti Aminah" {
			t.Fatalf("lookup %d: got %+v", i, s)
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected one database read, got %d", source.calls)
	}
	if ttl := mr.TTL(config.CacheKey.StudentIdentityKey(7)); ttl != studentIdentityTTL {
		t.Fatalf("cache ttl: %s", ttl)
	}

	if _, err := dir.Lookup(ctx, 8); err == nil {
		t.Fatal("unknown student should fail")
	}
}

func TestStudentDirectory_WithoutRedis(t *testing.T) {
	source := &countingLookup{students: map[int64]model.Student{1: {ID: 1, Name: "Budi"}}}
	dir := NewStudentDirectory(source, nil, zerolog.Nop())

	dir.Lookup(context.Background(), 1)
	dir.Lookup(context.Background(), 1)
	if source.calls != 2 {
		t.Fatalf("without a cache every lookup hits the source, got %d calls", source.calls)
	}
}

func TestQueueArchiver_Enqueues(t *testing.T) {
	mr, rdb := newTestRedis(t)
	a := NewQueueArchiver(rdb, zerolog.Nop())

	err := a.Archive(context.Background(), model.ExamArchive{
		ExamID:   4,
		Progress: []model.ProgressRecord{{SubmissionID: 1, ExamID: 4}},
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	items, err := mr.List(config.WorkerKey.ArchiveExamQueue)
	if err != nil || len(items) != 1 {
		t.Fatalf("queue: %v err=%v", items, err)
	}
	var got model.ExamArchive
	if err := json.Unmarshal([]byte(items[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ExamID != 4 || len(got.Progress) != 1 {
		t.Fatalf("queued archive: %+v", got)
	}
}
