package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	gateway "github.com/palisade-ai/palisade/internal"
)

func testHub(cfg Config) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestRegisterAndList(t *testing.T) {
	t.Parallel()
	h := testHub(Config{})
	ctx := context.Background()

	s1, err := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := h.Register(ctx, "globex", "anthropic", "claude-sonnet")
	if err != nil {
		t.Fatal(err)
	}

	if h.Len() != 2 {
		t.Errorf("len = %d, want 2", h.Len())
	}
	if got := h.List("acme"); len(got) != 1 || got[0].ID != s1.ID {
		t.Errorf("tenant filter: %+v", got)
	}
	if got := h.List(""); len(got) != 2 {
		t.Errorf("unfiltered list = %d entries", len(got))
	}

	info, err := h.Get(s2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Tenant != "globex" || info.Model != "claude-sonnet" {
		t.Errorf("info = %+v", info)
	}

	h.Unregister(s1.ID)
	h.Unregister(s2.ID)
	if h.Len() != 0 {
		t.Errorf("len after unregister = %d", h.Len())
	}
	if _, err := h.Get(s1.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("get after unregister: %v", err)
	}
}

func TestPerTenantCap(t *testing.T) {
	t.Parallel()
	h := testHub(Config{MaxPerTenant: 2})
	ctx := context.Background()

	a, _ := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	if _, err := h.Register(ctx, "acme", "openai-us", "gpt-4o"); err != nil {
		t.Fatal(err)
	}

	_, err := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	ae := gateway.AsAPIError(err)
	if ae.Code != gateway.CodeQuotaExceeded {
		t.Errorf("over cap err = %v, want quota.exceeded", err)
	}

	// Other tenants are unaffected, and releasing a slot reopens the cap.
	if _, err := h.Register(ctx, "globex", "openai-us", "gpt-4o"); err != nil {
		t.Errorf("other tenant blocked: %v", err)
	}
	h.Unregister(a.ID)
	if _, err := h.Register(ctx, "acme", "openai-us", "gpt-4o"); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestNoteCounters(t *testing.T) {
	t.Parallel()
	h := testHub(Config{})
	s, _ := h.Register(context.Background(), "acme", "openai-us", "gpt-4o")

	s.Note(100)
	s.Note(50)

	info, _ := h.Get(s.ID)
	if info.Bytes != 150 || info.Events != 2 {
		t.Errorf("counters = %+v", info)
	}
}

func TestAdminClose(t *testing.T) {
	t.Parallel()
	h := testHub(Config{})
	s, _ := h.Register(context.Background(), "acme", "openai-us", "gpt-4o")

	if err := h.Close(s.ID, "operator request"); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-s.Notices():
		if n.Event != "admin.close" || n.Data != "operator request" {
			t.Errorf("notice = %+v", n)
		}
	default:
		t.Error("close notice not queued")
	}

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Error("close must cancel the stream context")
	}
	if s.CloseReason() != "operator request" {
		t.Errorf("close reason = %q", s.CloseReason())
	}

	if err := h.Close("no-such-id", "x"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("close unknown: %v", err)
	}
}

func TestClientDisconnectCancels(t *testing.T) {
	t.Parallel()
	h := testHub(Config{})
	parent, cancel := context.WithCancel(context.Background())
	s, _ := h.Register(parent, "acme", "openai-us", "gpt-4o")

	cancel()
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Error("parent cancellation must propagate to the stream")
	}
}

func TestBroadcast(t *testing.T) {
	t.Parallel()
	h := testHub(Config{NoticeBuffer: 1})
	ctx := context.Background()

	a, _ := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	b, _ := h.Register(ctx, "globex", "openai-us", "gpt-4o")

	delivered, dropped := h.Broadcast("acme", "maintenance in 5 minutes")
	if delivered != 1 || dropped != 0 {
		t.Errorf("tenant broadcast = %d/%d", delivered, dropped)
	}
	select {
	case n := <-a.Notices():
		if n.Event != "admin.message" {
			t.Errorf("notice = %+v", n)
		}
	default:
		t.Error("acme stream missed the broadcast")
	}
	select {
	case n := <-b.Notices():
		t.Errorf("globex received tenant-filtered broadcast: %+v", n)
	default:
	}
}

func TestBroadcastDropsSlowConsumer(t *testing.T) {
	t.Parallel()
	h := testHub(Config{NoticeBuffer: 1})
	s, _ := h.Register(context.Background(), "acme", "openai-us", "gpt-4o")

	// Fill the queue, then broadcast again: the stream is a slow consumer.
	if d, _ := h.Broadcast("", "first"); d != 1 {
		t.Fatal("first broadcast undelivered")
	}
	delivered, dropped := h.Broadcast("", "second")
	if delivered != 0 || dropped != 1 {
		t.Errorf("slow consumer broadcast = %d/%d", delivered, dropped)
	}

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Error("slow consumer must be closed")
	}
	if s.CloseReason() != "slow consumer" {
		t.Errorf("close reason = %q", s.CloseReason())
	}
}

func TestSweepClosesIdle(t *testing.T) {
	t.Parallel()
	h := testHub(Config{IdleTimeout: 30 * time.Second})
	ctx := context.Background()

	idle, _ := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	active, _ := h.Register(ctx, "acme", "openai-us", "gpt-4o")
	active.Note(10)

	// Backdate the idle stream's last activity.
	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Minute)
	idle.mu.Unlock()

	if n := h.Sweep(time.Now()); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	select {
	case <-idle.Context().Done():
	case <-time.After(time.Second):
		t.Error("idle stream not cancelled")
	}
	select {
	case <-active.Context().Done():
		t.Error("active stream must survive the sweep")
	default:
	}
	if idle.CloseReason() != "idle timeout" {
		t.Errorf("close reason = %q", idle.CloseReason())
	}
}
