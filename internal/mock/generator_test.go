package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/Nayem2203/espcam-server/internal/frame"
	"github.com/Nayem2203/espcam-server/internal/queue"
	"github.com/Nayem2203/espcam-server/internal/relay"
	"github.com/Nayem2203/espcam-server/internal/session"
	"go.uber.org/zap/zaptest"
)

type inbox struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (b *inbox) Send(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	return nil
}

func (b *inbox) Close() error { return nil }

func (b *inbox) count(kind, event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m["type"] == kind && (event == "" || m["event"] == event) {
			n++
		}
	}
	return n
}

func newTestGenerator(t *testing.T) (*Generator, *frame.Cache, *inbox, *inbox) {
	t.Helper()
	log := zaptest.NewLogger(t)
	core := relay.NewCore(session.NewRegistry(), queue.New(0, 0), nil, log)
	frames := frame.NewCache(time.Millisecond, log)

	user := &inbox{}
	other := &inbox{}
	core.ConnectApp(session.New(session.RoleApp, "mock-user", user))
	core.ConnectApp(session.New(session.RoleApp, "someone-else", other))

	return NewGenerator(frames, core, time.Hour, log), frames, user, other
}

func TestGenerator_PublishesFrameOnStart(t *testing.T) {
	gen, frames, user, _ := newTestGenerator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen.Start(ctx)

	f, ok := frames.Latest()
	if !ok {
		t.Fatal("Start() should publish a frame synchronously")
	}
	if _, err := jpeg.Decode(bytes.NewReader(f.Data)); err != nil {
		t.Fatalf("mock frame is not a valid JPEG: %v", err)
	}
	if got := user.count("frame", ""); got != 1 {
		t.Errorf("frame notifications = %d, want 1", got)
	}
}

func TestGenerator_FramesChangeBetweenTicks(t *testing.T) {
	a, err := RenderFrame(1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RenderFrame(2)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("consecutive frames should differ")
	}
}

func TestGenerator_EventsFollowSchedule(t *testing.T) {
	gen, _, user, other := newTestGenerator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen.Start(ctx)

	for tick := 1; tick <= 150; tick++ {
		gen.step(tick)
	}

	// The doorbell targets mock-user only.
	if got := user.count("alert", "doorbell"); got != 2 {
		t.Errorf("doorbell alerts for target = %d, want 2", got)
	}
	if got := other.count("alert", "doorbell"); got != 0 {
		t.Errorf("doorbell alerts leaked to other user = %d", got)
	}

	// Untargeted events reach every app.
	if got := other.count("alert", "battery"); got != 1 {
		t.Errorf("battery alerts = %d, want 1", got)
	}
	if user.count("alert", "motion") != other.count("alert", "motion") {
		t.Error("broadcast motion alerts should reach both apps equally")
	}
	if got := user.count("frame", ""); got != 151 {
		t.Errorf("frame notifications = %d, want 151", got)
	}
}
