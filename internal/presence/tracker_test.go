package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/friendsincode/harmony/internal/timers"
	"github.com/rs/zerolog"
)

type fakePresenceStore struct {
	mu         sync.Mutex
	devices    map[string]map[string]bool // userID -> deviceID -> online
	heartbeats int
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{devices: make(map[string]map[string]bool)}
}

func (f *fakePresenceStore) aggregate(userID string) session.UserPresence {
	p := session.UserPresence{UserID: userID, LastSeenMs: time.Now().UnixMilli()}
	for _, online := range f.devices[userID] {
		if online {
			p.DevicesOnline++
		}
	}
	p.Online = p.DevicesOnline > 0
	return p
}

func (f *fakePresenceStore) MarkOnline(_ context.Context, userID, deviceID, _ string) (session.UserPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devices[userID] == nil {
		f.devices[userID] = make(map[string]bool)
	}
	f.devices[userID][deviceID] = true
	return f.aggregate(userID), nil
}

func (f *fakePresenceStore) Heartbeat(_ context.Context, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakePresenceStore) FinalizeOffline(_ context.Context, userID, deviceID, _ string) (session.UserPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.devices[userID] != nil {
		f.devices[userID][deviceID] = false
	}
	return f.aggregate(userID), nil
}

func (f *fakePresenceStore) GetUserPresence(_ context.Context, userID string) (session.UserPresence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aggregate(userID), nil
}

func (f *fakePresenceStore) SweepPresence(context.Context, time.Duration) (int, int, error) {
	return 0, 0, nil
}

func newTestTracker(t *testing.T, grace time.Duration) (*Tracker, *fakePresenceStore) {
	t.Helper()
	scheduler := timers.NewScheduler()
	t.Cleanup(scheduler.Stop)
	store := newFakePresenceStore()
	tracker := New(store, scheduler, events.NewBus(), grace, time.Minute, true, zerolog.Nop())
	return tracker, store
}

func TestReconnectWithinGraceStaysOnline(t *testing.T) {
	tracker, store := newTestTracker(t, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := tracker.Connect(ctx, "u1", "d1", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tracker.Disconnect("u1", "d1", "c1")

	// Reconnect before the grace window elapses.
	if _, err := tracker.Connect(ctx, "u1", "d1", "c2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	p, err := store.GetUserPresence(ctx, "u1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.Online {
		t.Fatal("expected user to stay online across a graced reconnect")
	}
}

func TestDisconnectPastGraceGoesOffline(t *testing.T) {
	tracker, store := newTestTracker(t, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := tracker.Connect(ctx, "u1", "d1", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tracker.Disconnect("u1", "d1", "c1")

	time.Sleep(100 * time.Millisecond)
	p, err := store.GetUserPresence(ctx, "u1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Online {
		t.Fatal("expected user offline after grace elapsed")
	}
}

func TestGoodbyeSkipsGrace(t *testing.T) {
	tracker, _ := newTestTracker(t, time.Hour)
	ctx := context.Background()

	if _, err := tracker.Connect(ctx, "u1", "d1", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	p, err := tracker.Goodbye(ctx, "u1", "d1", "c1")
	if err != nil {
		t.Fatalf("goodbye: %v", err)
	}
	if p.Online {
		t.Fatal("expected immediate offline on goodbye")
	}
}

func TestHeartbeatReachesStore(t *testing.T) {
	tracker, store := newTestTracker(t, time.Minute)
	ctx := context.Background()

	if _, err := tracker.Connect(ctx, "u1", "d1", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tracker.Heartbeat(ctx, "u1", "d1", "c1")
	tracker.Heartbeat(ctx, "u1", "d1", "c1")

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.heartbeats != 2 {
		t.Fatalf("expected 2 heartbeats recorded, got %d", store.heartbeats)
	}
}

func TestSecondDeviceKeepsUserOnline(t *testing.T) {
	tracker, store := newTestTracker(t, 20*time.Millisecond)
	ctx := context.Background()

	if _, err := tracker.Connect(ctx, "u1", "phone", "c1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := tracker.Connect(ctx, "u1", "laptop", "c2"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tracker.Disconnect("u1", "phone", "c1")
	time.Sleep(100 * time.Millisecond)

	p, err := store.GetUserPresence(ctx, "u1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.Online || p.DevicesOnline != 1 {
		t.Fatalf("expected one device keeping the user online, got %+v", p)
	}
}
