package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/config"
	"github.com/stemsi/exstem-live/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	saved    []int64
	done     chan struct{}
	want     int
}

func (s *fakeStore) Save(_ context.Context, archive model.ExamArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database unavailable")
	}
	s.saved = append(s.saved, archive.ExamID)
	if len(s.saved) == s.want {
		close(s.done)
	}
	return nil
}

func (s *fakeStore) savedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.saved...)
}

func newTestWorker(t *testing.T, store ArchiveStore) (*ArchiveWorker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	w := NewArchiveWorker(store, rdb, zerolog.Nop())
	w.retryBackoff = 10 * time.Millisecond
	return w, mr, rdb
}

func push(t *testing.T, rdb *redis.Client, v interface{}) {
	t.Helper()
	raw, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = string(b)
	}
	if err := rdb.RPush(context.Background(), config.WorkerKey.ArchiveExamQueue, raw).Err(); err != nil {
		t.Fatalf("rpush: %v", err)
	}
}

func TestArchiveWorker_PersistsAndRetries(t *testing.T) {
	store := &fakeStore{failures: 1, done: make(chan struct{}), want: 2}
	w, _, rdb := newTestWorker(t, store)

	push(t, rdb, model.ExamArchive{ExamID: 1})
	push(t, rdb, "{not json")
	push(t, rdb, model.ExamArchive{ExamID: 0})
	push(t, rdb, model.ExamArchive{ExamID: 2})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(stopped)
	}()

	select {
	case <-store.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("archives not persisted, saved=%v", store.savedIDs())
	}
	cancel()
	<-stopped

	// Exam 1 failed once and was requeued behind exam 2.
	got := store.savedIDs()
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Fatalf("saved order: %v", got)
	}
	if n, _ := rdb.LLen(context.Background(), config.WorkerKey.ArchiveExamQueue).Result(); n != 0 {
		t.Fatalf("queue should be empty, has %d", n)
	}
}

func TestArchiveWorker_DrainsOnShutdown(t *testing.T) {
	store := &fakeStore{done: make(chan struct{}), want: 2}
	w, _, rdb := newTestWorker(t, store)

	push(t, rdb, model.ExamArchive{ExamID: 7})
	push(t, rdb, model.ExamArchive{ExamID: 8})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	if got := store.savedIDs(); len(got) != 2 {
		t.Fatalf("expected both archives drained, got %v", got)
	}
}
