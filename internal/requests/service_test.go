package requests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeThrottle struct {
	counts map[string]int64
}

func (f *fakeThrottle) IncrRequestWindow(_ context.Context, groupID, userID string, _ time.Duration) (int64, time.Duration, error) {
	key := groupID + "/" + userID
	f.counts[key]++
	return f.counts[key], 30 * time.Second, nil
}

func newTestService(t *testing.T, ratePerMin, maxPending int) (*Service, *queue.Engine, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Group{}, &models.PlaybackRequest{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Create(&models.Group{ID: "g1", Name: "g1", QueueCurrentIndex: -1}).Error; err != nil {
		t.Fatalf("seed group: %v", err)
	}

	bus := events.NewBus()
	engine := queue.New(db, bus, 500, 50, zerolog.Nop())
	throttle := &fakeThrottle{counts: make(map[string]int64)}
	return New(db, throttle, engine, bus, ratePerMin, maxPending, zerolog.Nop()), engine, db
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 4, 3)

	if _, err := svc.Submit(context.Background(), "g1", "u1", Submission{Title: "no ref"}); !errors.Is(err, ErrInvalidTrack) {
		t.Fatalf("expected invalid track, got %v", err)
	}

	req, err := svc.Submit(context.Background(), "g1", "u1", Submission{TrackRef: "trk-1", Title: "song"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != models.RequestPending || req.RequestedBy != "u1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	svc, _, _ := newTestService(t, 2, 10)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk"})
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if limited.RetryIn != 30*time.Second {
		t.Fatalf("expected window reset hint, got %v", limited.RetryIn)
	}

	// Another user's window is untouched.
	if _, err := svc.Submit(ctx, "g1", "u2", Submission{TrackRef: "trk"}); err != nil {
		t.Fatalf("expected other user to pass, got %v", err)
	}
}

func TestSubmitPendingCap(t *testing.T) {
	svc, _, _ := newTestService(t, 100, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk"})
	var capped *MaxPendingError
	if !errors.As(err, &capped) {
		t.Fatalf("expected pending cap, got %v", err)
	}
	if capped.Limit != 2 {
		t.Fatalf("expected limit 2, got %d", capped.Limit)
	}
}

func TestApproveAppendsToQueue(t *testing.T) {
	svc, _, db := newTestService(t, 100, 10)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk-1", Title: "song", DurationSec: 180})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	itemID, st, err := svc.Approve(ctx, "g1", req.ID, "admin", 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if st.Version != 1 || len(st.Items) != 1 {
		t.Fatalf("unexpected queue state: %+v", st)
	}
	if st.Items[0].ID != itemID || st.Items[0].AddedBy != "u1" || st.Items[0].Title != "song" {
		t.Fatalf("unexpected appended item: %+v", st.Items[0])
	}

	var stored models.PlaybackRequest
	if err := db.First(&stored, "id = ?", req.ID).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	if stored.Status != models.RequestApproved || stored.ReviewedBy != "admin" {
		t.Fatalf("unexpected stored request: %+v", stored)
	}

	if _, _, err := svc.Approve(ctx, "g1", req.ID, "admin", st.Version); !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("expected already reviewed, got %v", err)
	}
}

func TestApproveConflictLeavesRequestPending(t *testing.T) {
	svc, engine, db := newTestService(t, 100, 10)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Bump the queue so the moderator's version is stale.
	if _, err := engine.Append(ctx, "g1", "u2", 0, []models.QueueItem{{ID: "x"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, _, err = svc.Approve(ctx, "g1", req.ID, "admin", 0)
	var conflict *queue.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.ServerVersion != 1 {
		t.Fatalf("expected authoritative version 1, got %d", conflict.ServerVersion)
	}

	// The status flip rolled back with the failed append.
	var stored models.PlaybackRequest
	if err := db.First(&stored, "id = ?", req.ID).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	if stored.Status != models.RequestPending {
		t.Fatalf("expected request still pending, got %s", stored.Status)
	}

	// Retry with the fresh version succeeds.
	if _, _, err := svc.Approve(ctx, "g1", req.ID, "admin", 1); err != nil {
		t.Fatalf("retry approve: %v", err)
	}
}

func TestRejectLifecycle(t *testing.T) {
	svc, _, db := newTestService(t, 100, 10)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Reject(ctx, "g1", req.ID, "admin", "not tonight"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	var stored models.PlaybackRequest
	if err := db.First(&stored, "id = ?", req.ID).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	if stored.Status != models.RequestRejected || stored.Reason != "not tonight" {
		t.Fatalf("unexpected stored request: %+v", stored)
	}

	if err := svc.Reject(ctx, "g1", req.ID, "admin", ""); !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("expected already reviewed, got %v", err)
	}
	if err := svc.Reject(ctx, "g1", "ghost", "admin", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPendingListsOldestFirst(t *testing.T) {
	svc, _, _ := newTestService(t, 100, 10)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "g1", "u1", Submission{TrackRef: "trk-1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := svc.Submit(ctx, "g1", "u2", Submission{TrackRef: "trk-2"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Reject(ctx, "g1", second.ID, "admin", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := svc.Pending(ctx, "g1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}
