package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/session"
	"github.com/rs/zerolog"
)

type fakePlaybackScanner struct {
	states map[string]session.PlaybackState
}

func (f *fakePlaybackScanner) ScanPlaybackGroups(context.Context) ([]string, error) {
	groups := make([]string, 0, len(f.states))
	for groupID := range f.states {
		groups = append(groups, groupID)
	}
	return groups, nil
}

func (f *fakePlaybackScanner) GetPlayback(_ context.Context, groupID string) (session.PlaybackState, bool, error) {
	st, ok := f.states[groupID]
	return st, ok, nil
}

type fakeStepper struct {
	steps []string
}

func (f *fakeStepper) Step(_ context.Context, groupID, userID string, _ int) (session.PlaybackState, error) {
	f.steps = append(f.steps, groupID+"/"+userID)
	return session.PlaybackState{}, nil
}

type fakeQueueReader struct {
	states map[string]queue.State
}

func (f *fakeQueueReader) State(_ context.Context, groupID string) (queue.State, error) {
	st, ok := f.states[groupID]
	if !ok {
		return queue.State{}, queue.ErrGroupNotFound
	}
	return st, nil
}

func newTestCoordinator(scanner *fakePlaybackScanner, stepper *fakeStepper, reader *fakeQueueReader, nowMs int64) *Coordinator {
	c := NewCoordinator(scanner, stepper, reader, 2*time.Second, 350*time.Millisecond, zerolog.Nop())
	c.now = func() time.Time { return time.UnixMilli(nowMs) }
	return c
}

func TestCoordinatorAdvancesPastTrackEnd(t *testing.T) {
	nowMs := int64(1_000_000)
	scanner := &fakePlaybackScanner{states: map[string]session.PlaybackState{
		// 100s track, started 120s ago: well past the end.
		"g1": {IsPlaying: true, StartAtServerMs: nowMs - 120_000, QueueIndex: 0},
	}}
	stepper := &fakeStepper{}
	reader := &fakeQueueReader{states: map[string]queue.State{
		"g1": {Items: models.QueueItemList{{ID: "a", DurationSec: 100}}, CurrentIndex: 0, Version: 1},
	}}

	c := newTestCoordinator(scanner, stepper, reader, nowMs)
	c.runOnce(context.Background())

	if len(stepper.steps) != 1 || stepper.steps[0] != "g1/system" {
		t.Fatalf("expected one system step for g1, got %v", stepper.steps)
	}
}

func TestCoordinatorRespectsEndPad(t *testing.T) {
	nowMs := int64(1_000_000)
	scanner := &fakePlaybackScanner{states: map[string]session.PlaybackState{
		// 100s track, 100.1s elapsed: past the end but inside the pad.
		"g1": {IsPlaying: true, StartAtServerMs: nowMs - 100_100, QueueIndex: 0},
	}}
	stepper := &fakeStepper{}
	reader := &fakeQueueReader{states: map[string]queue.State{
		"g1": {Items: models.QueueItemList{{ID: "a", DurationSec: 100}}, CurrentIndex: 0, Version: 1},
	}}

	c := newTestCoordinator(scanner, stepper, reader, nowMs)
	c.runOnce(context.Background())

	if len(stepper.steps) != 0 {
		t.Fatalf("expected no step inside the end pad, got %v", stepper.steps)
	}
}

func TestCoordinatorSkipsNonAdvanceable(t *testing.T) {
	nowMs := int64(1_000_000)
	scanner := &fakePlaybackScanner{states: map[string]session.PlaybackState{
		"paused":   {IsPlaying: false, StartOffsetSec: 500, QueueIndex: 0},
		"unknown":  {IsPlaying: true, StartAtServerMs: nowMs - 900_000, QueueIndex: 0},
		"no-index": {IsPlaying: true, StartAtServerMs: nowMs - 900_000, QueueIndex: -1},
		"orphan":   {IsPlaying: true, StartAtServerMs: nowMs - 900_000, QueueIndex: 0},
	}}
	stepper := &fakeStepper{}
	reader := &fakeQueueReader{states: map[string]queue.State{
		"paused":   {Items: models.QueueItemList{{ID: "a", DurationSec: 100}}, CurrentIndex: 0},
		"unknown":  {Items: models.QueueItemList{{ID: "a", DurationSec: 0}}, CurrentIndex: 0},
		"no-index": {Items: models.QueueItemList{{ID: "a", DurationSec: 100}}, CurrentIndex: -1},
		// "orphan" has no queue state at all.
	}}

	c := newTestCoordinator(scanner, stepper, reader, nowMs)
	c.runOnce(context.Background())

	if len(stepper.steps) != 0 {
		t.Fatalf("expected no steps, got %v", stepper.steps)
	}
}
