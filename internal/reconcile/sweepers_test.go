package reconcile

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/rs/zerolog"
)

type fakeListenerStore struct {
	listeners map[string][]string
}

func (f *fakeListenerStore) ScanListenerGroups(context.Context) ([]string, error) {
	groups := make([]string, 0, len(f.listeners))
	for groupID := range f.listeners {
		groups = append(groups, groupID)
	}
	return groups, nil
}

func (f *fakeListenerStore) Listeners(_ context.Context, groupID string) ([]string, error) {
	return append([]string(nil), f.listeners[groupID]...), nil
}

func (f *fakeListenerStore) RemoveListener(_ context.Context, groupID, userID string) error {
	kept := f.listeners[groupID][:0]
	for _, id := range f.listeners[groupID] {
		if id != userID {
			kept = append(kept, id)
		}
	}
	f.listeners[groupID] = kept
	return nil
}

type fakePresenceReader struct {
	online map[string]bool
}

func (f *fakePresenceReader) GetUserPresence(_ context.Context, userID string) (session.UserPresence, error) {
	return session.UserPresence{UserID: userID, Online: f.online[userID]}, nil
}

type fakeControlChecker struct {
	controllers map[string]bool
}

func (f *fakeControlChecker) Controls(_ context.Context, _, userID string) (bool, error) {
	return f.controllers[userID], nil
}

type fakePauser struct {
	playing bool
	paused  []string
}

func (f *fakePauser) Playback(_ context.Context, _ string) (session.PlaybackState, error) {
	return session.PlaybackState{IsPlaying: f.playing}, nil
}

func (f *fakePauser) Pause(_ context.Context, groupID, userID string) (session.PlaybackState, error) {
	f.paused = append(f.paused, groupID+"/"+userID)
	f.playing = false
	return session.PlaybackState{}, nil
}

func TestSweepRemovesOfflineListeners(t *testing.T) {
	store := &fakeListenerStore{listeners: map[string][]string{
		"g1": {"u1", "u2", "u3"},
	}}
	presence := &fakePresenceReader{online: map[string]bool{"u1": true, "u2": false, "u3": false}}
	pauser := &fakePauser{}
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventListenerUpdate)

	s := NewListenerSweeper(store, presence, &fakeControlChecker{controllers: map[string]bool{}}, pauser, bus, time.Minute, true, true, zerolog.Nop())
	s.runOnce(context.Background())

	remaining := store.listeners["g1"]
	sort.Strings(remaining)
	if len(remaining) != 1 || remaining[0] != "u1" {
		t.Fatalf("expected only u1 to remain, got %v", remaining)
	}

	select {
	case payload := <-sub:
		if payload["groupId"] != "g1" || payload["count"] != 1 {
			t.Fatalf("unexpected broadcast: %v", payload)
		}
	default:
		t.Fatal("expected a listener update broadcast")
	}

	if len(pauser.paused) != 0 {
		t.Fatalf("expected no auto-pause without a controller leaving, got %v", pauser.paused)
	}
}

func TestSweepAutoPausesWhenControllerLeaves(t *testing.T) {
	store := &fakeListenerStore{listeners: map[string][]string{
		"g1": {"dj", "fan"},
	}}
	presence := &fakePresenceReader{online: map[string]bool{"dj": false, "fan": true}}
	pauser := &fakePauser{playing: true}

	s := NewListenerSweeper(store, presence, &fakeControlChecker{controllers: map[string]bool{"dj": true}}, pauser, events.NewBus(), time.Minute, true, false, zerolog.Nop())
	s.runOnce(context.Background())

	if len(pauser.paused) != 1 || pauser.paused[0] != "g1/"+SystemActor {
		t.Fatalf("expected system pause for g1, got %v", pauser.paused)
	}
}

func TestSweepKeepsOnlineListeners(t *testing.T) {
	store := &fakeListenerStore{listeners: map[string][]string{
		"g1": {"u1", "u2"},
	}}
	presence := &fakePresenceReader{online: map[string]bool{"u1": true, "u2": true}}
	pauser := &fakePauser{playing: true}
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventListenerUpdate)

	s := NewListenerSweeper(store, presence, &fakeControlChecker{controllers: map[string]bool{}}, pauser, bus, time.Minute, true, true, zerolog.Nop())
	s.runOnce(context.Background())

	if len(store.listeners["g1"]) != 2 {
		t.Fatalf("expected listener set untouched, got %v", store.listeners["g1"])
	}
	select {
	case payload := <-sub:
		t.Fatalf("expected no broadcast when nothing changed, got %v", payload)
	default:
	}
}

type fakeSweeper struct {
	scanned, offlined int
}

func (f *fakeSweeper) Sweep(context.Context) (int, int, error) {
	return f.scanned, f.offlined, nil
}

func TestPresenceSweeperRuns(t *testing.T) {
	s := NewPresenceSweeper(&fakeSweeper{scanned: 5, offlined: 2}, time.Minute, zerolog.Nop())
	s.runOnce(context.Background())
}
