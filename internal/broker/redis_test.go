package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewRedisBroker(rdb, Options{BufferSize: 8}, zerolog.Nop())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "exam/1/connection", "user/5/alerts")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, "exam/1/connection", []byte(`{"status":"CONNECTED"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, "user/5/alerts", []byte(`{"message":"hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, want := range []string{"exam/1/connection", "user/5/alerts"} {
		select {
		case m := <-sub.C():
			if m.Topic != want {
				t.Fatalf("want topic %s, got %s", want, m.Topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no message on %s", want)
		}
	}
}

func TestRedisBroker_PublishError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()

	b := NewRedisBroker(rdb, Options{}, zerolog.Nop())
	mr.Close()

	if err := b.Publish(context.Background(), "system", []byte("x")); err == nil {
		t.Fatal("publish against a stopped server should fail")
	}
}
