package groups

import (
	"context"
	"errors"
	"testing"

	"github.com/friendsincode/harmony/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Group{}, &models.GroupMember{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestCanControlPolicy(t *testing.T) {
	cases := []struct {
		name string
		m    Membership
		want bool
	}{
		{"non-member never controls", Membership{IsMember: false, IsAdmin: true}, false},
		{"admin controls when no controller set", Membership{UserID: "u1", IsMember: true, IsAdmin: true}, true},
		{"plain member does not control", Membership{UserID: "u1", IsMember: true}, false},
		{"explicit controller controls", Membership{UserID: "u1", IsMember: true, ControllerUserID: "u1"}, true},
		{"admin loses control to explicit controller", Membership{UserID: "u2", IsMember: true, IsAdmin: true, ControllerUserID: "u1"}, false},
	}

	for _, tc := range cases {
		if got := CanControl(tc.m); got != tc.want {
			t.Fatalf("%s: CanControl=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMembershipResolution(t *testing.T) {
	db := newTestDB(t)
	svc := New(db, zerolog.Nop())
	ctx := context.Background()

	group := models.Group{ID: "g1", Name: "night shift", ControllerUserID: "u1"}
	if err := db.Create(&group).Error; err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := db.Create(&models.GroupMember{GroupID: "g1", UserID: "u1", IsAdmin: false}).Error; err != nil {
		t.Fatalf("create member: %v", err)
	}
	if err := db.Create(&models.GroupMember{GroupID: "g1", UserID: "u2", IsAdmin: true}).Error; err != nil {
		t.Fatalf("create member: %v", err)
	}

	m, err := svc.Membership(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if !m.IsMember || m.ControllerUserID != "u1" {
		t.Fatalf("unexpected membership: %+v", m)
	}
	if !CanControl(m) {
		t.Fatal("expected explicit controller to control")
	}

	m2, err := svc.Membership(ctx, "g1", "u2")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if CanControl(m2) {
		t.Fatal("expected admin to be outranked by explicit controller")
	}

	stranger, err := svc.Membership(ctx, "g1", "u9")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if stranger.IsMember {
		t.Fatal("expected non-member resolution")
	}

	if _, err := svc.Membership(ctx, "missing", "u1"); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}
