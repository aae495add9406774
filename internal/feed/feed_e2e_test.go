//go:build e2e

package feed

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/travel"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	b, err := New(ctx, "redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch := b.Subscribe(ctx, "agent-1")
	// XREAD with "$" only sees entries added after the read starts.
	time.Sleep(200 * time.Millisecond)

	rome := "41.9028,12.4964"
	want := &travel.Event{ID: 7, Seq: 1, AgentID: "agent-1", Kind: travel.KindTravel, ToLocation: &rome}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != 7 || got.Kind != travel.KindTravel || got.ToLocation == nil || *got.ToLocation != rome {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	cancel()
	for range ch {
	}
}

func TestHistoryOldestFirst(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if err := b.Publish(ctx, &travel.Event{ID: i, Seq: i, AgentID: "agent-2", Kind: travel.KindForward}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	evs, err := b.History(ctx, "agent-2", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != 2 || evs[1].ID != 3 {
		t.Fatalf("unexpected history %+v", evs)
	}
}
