package service

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/model"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestRegistry() (*ConnectionRegistry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testEpoch)
	return NewConnectionRegistry(clock, zerolog.Nop()), clock
}

func connectReq(examID, studentID int64, name, session string) model.ConnectRequest {
	return model.ConnectRequest{
		ExamID:       examID,
		StudentID:    studentID,
		StudentName:  name,
		StudentEmail: name + "@school.test",
		SessionID:    session,
		IPAddress:    "10.0.0.1",
	}
}

func TestConnectionRegistry_Lifecycle(t *testing.T) {
	r, _ := newTestRegistry()

	tr := r.OnConnect(connectReq(1, 10, "alice", "s1"))
	if !tr.Changed || tr.Event.Record.Status != model.ConnectionStatusConnected {
		t.Fatalf("first connect: got %+v", tr)
	}

	ev, ok := r.OnDisconnect("s1")
	if !ok || ev.Record.Status != model.ConnectionStatusDisconnected {
		t.Fatalf("disconnect: ok=%v ev=%+v", ok, ev)
	}

	tr = r.OnConnect(connectReq(1, 10, "alice", "s2"))
	if tr.Event.Record.Status != model.ConnectionStatusReconnected || tr.Superseded != nil {
		t.Fatalf("reconnect: got %+v", tr)
	}
}

func TestConnectionRegistry_SupersedesLiveSession(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	tr := r.OnConnect(connectReq(1, 10, "alice", "s2"))

	if tr.Superseded == nil {
		t.Fatal("expected the live session to be superseded")
	}
	if tr.Superseded.Record.SessionID != "s1" || tr.Superseded.Record.Status != model.ConnectionStatusDisconnected {
		t.Fatalf("superseded: got %+v", tr.Superseded.Record)
	}
	if tr.Event.Record.SessionID != "s2" || tr.Event.Record.Status != model.ConnectionStatusReconnected {
		t.Fatalf("new session: got %+v", tr.Event.Record)
	}

	// The superseded session is no longer tracked.
	if _, ok := r.OnDisconnect("s1"); ok {
		t.Fatal("disconnect of superseded session should be ignored")
	}

	live := 0
	for _, rec := range r.Snapshot(1) {
		if rec.Status.Live() {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live record, got %d", live)
	}
}

func TestConnectionRegistry_SameSessionIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	tr := r.OnConnect(connectReq(1, 10, "alice", "s1"))
	if tr.Changed {
		t.Fatalf("same session connect should not change state: %+v", tr)
	}
}

func TestConnectionRegistry_UnknownDisconnect(t *testing.T) {
	r, _ := newTestRegistry()

	if _, ok := r.OnDisconnect("nope"); ok {
		t.Fatal("unknown session should return false")
	}

	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	r.OnDisconnect("s1")
	if _, ok := r.OnDisconnect("s1"); ok {
		t.Fatal("second disconnect should return false")
	}
}

func TestConnectionRegistry_SnapshotOrder(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnConnect(connectReq(1, 30, "carol", "c"))
	r.OnConnect(connectReq(1, 20, "bob", "b2"))
	r.OnConnect(connectReq(1, 10, "bob", "b1"))
	r.OnConnect(connectReq(1, 40, "alice", "a"))
	r.OnConnect(connectReq(2, 50, "zed", "z"))

	got := r.Snapshot(1)
	want := []int64{40, 10, 20, 30}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].StudentID != id {
			t.Errorf("position %d: want student %d, got %d", i, id, got[i].StudentID)
		}
	}

	if empty := r.Snapshot(99); len(empty) != 0 {
		t.Fatalf("unknown exam should be empty, got %d", len(empty))
	}
}

func TestConnectionRegistry_ExpireRespectsHeartbeat(t *testing.T) {
	r, clock := newTestRegistry()
	grace := 30 * time.Second

	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	r.OnConnect(connectReq(1, 20, "bob", "s2"))

	clock.Advance(20 * time.Second)
	if !r.Heartbeat("s2") {
		t.Fatal("heartbeat on live session should succeed")
	}
	clock.Advance(15 * time.Second)

	stale := r.StaleSessions(grace)
	if len(stale[1]) != 1 || stale[1][0] != "s1" {
		t.Fatalf("expected only s1 stale, got %v", stale)
	}

	ev, ok := r.Expire("s1", grace)
	if !ok || ev.Record.Status != model.ConnectionStatusDisconnected {
		t.Fatalf("expire s1: ok=%v ev=%+v", ok, ev)
	}
	if _, ok := r.Expire("s2", grace); ok {
		t.Fatal("s2 heartbeated recently and must not expire")
	}
	if r.Heartbeat("s1") {
		t.Fatal("heartbeat on expired session should fail")
	}
}

func TestConnectionRegistry_Release(t *testing.T) {
	r, _ := newTestRegistry()

	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	released := r.Release(1)
	if len(released) != 1 {
		t.Fatalf("expected one released record, got %d", len(released))
	}
	if _, ok := r.ExamOf("s1"); ok {
		t.Fatal("released sessions should be forgotten")
	}
	if len(r.Snapshot(1)) != 0 {
		t.Fatal("snapshot after release should be empty")
	}
}

func TestConnectionRegistry_SnapshotMatchesReplay(t *testing.T) {
	type replayed struct {
		session string
		status  model.ConnectionStatus
	}
	rng := rand.New(rand.NewSource(11))

	for round := 0; round < 50; round++ {
		r, clock := newTestRegistry()
		want := make(map[int64]replayed)

		for i := 0; i < 60; i++ {
			clock.Advance(time.Second)
			student := int64(rng.Intn(4) + 1)
			session := fmt.Sprintf("s%d-%d", student, rng.Intn(3))

			if rng.Intn(2) == 0 {
				r.OnConnect(connectReq(1, student, fmt.Sprintf("student-%d", student), session))
				prev, ok := want[student]
				switch {
				case !ok:
					want[student] = replayed{session, model.ConnectionStatusConnected}
				case prev.session == session && prev.status.Live():
				default:
					want[student] = replayed{session, model.ConnectionStatusReconnected}
				}
				continue
			}

			r.OnDisconnect(session)
			if prev, ok := want[student]; ok && prev.session == session && prev.status.Live() {
				want[student] = replayed{session, model.ConnectionStatusDisconnected}
			}
		}

		snap := r.Snapshot(1)
		if len(snap) != len(want) {
			t.Fatalf("round %d: want %d records, got %d", round, len(want), len(snap))
		}
		for _, rec := range snap {
			w := want[rec.StudentID]
			if rec.SessionID != w.session || rec.Status != w.status {
				t.Fatalf("round %d student %d: replay gives %s/%s, snapshot has %s/%s",
					round, rec.StudentID, w.session, w.status, rec.SessionID, rec.Status)
			}
		}
	}
}

func TestConnectionRegistry_Idle(t *testing.T) {
	r, clock := newTestRegistry()
	grace := 30 * time.Second

	if !r.Idle(1, grace) {
		t.Fatal("an exam nobody joined is idle")
	}
	r.OnConnect(connectReq(1, 10, "alice", "s1"))
	clock.Advance(time.Minute)
	if r.Idle(1, grace) {
		t.Fatal("an exam with a live session is not idle")
	}
	r.OnDisconnect("s1")
	if r.Idle(1, grace) {
		t.Fatal("a fresh disconnect keeps the exam within the grace")
	}
	clock.Advance(grace + time.Second)
	if !r.Idle(1, grace) {
		t.Fatal("exam should be idle once the grace has passed")
	}
}
