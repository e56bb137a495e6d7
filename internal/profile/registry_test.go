package profile

import (
	"context"
	"testing"

	_ "time/tzdata"

	"remindbot/internal/domain"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

func newRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return New(st, logx.Nop()), st
}

func TestGetDefaultIsNotPersisted(t *testing.T) {
	r, st := newRegistry(t)
	ctx := context.Background()

	p, err := r.Get(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Timezone != "UTC" || p.DisplayName != "" || p.UserID != 42 {
		t.Fatalf("default profile = %+v", p)
	}
	_ = st.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.Profile(42); err != storage.ErrNotFound {
			t.Fatalf("default profile was persisted: %v", err)
		}
		return nil
	})
}

func TestUpsert(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	p, err := r.Upsert(ctx, 1, map[string]string{"timezone": "America/New_York", "display_name": " Sam "})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.Timezone != "America/New_York" || p.DisplayName != "Sam" {
		t.Fatalf("profile = %+v", p)
	}

	p, err = r.Upsert(ctx, 1, map[string]string{"theme": "Blue"})
	if err != nil {
		t.Fatalf("upsert theme: %v", err)
	}
	if p.Timezone != "America/New_York" || p.Theme != "blue" {
		t.Fatalf("partial update lost fields: %+v", p)
	}

	loc, err := r.Location(ctx, 1)
	if err != nil || loc.String() != "America/New_York" {
		t.Fatalf("location = %v, %v", loc, err)
	}
}

func TestUpsertRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		fields map[string]string
		field  string
	}{
		{"unknown field", map[string]string{"color": "red"}, "color"},
		{"bad timezone", map[string]string{"timezone": "Mars/Olympus"}, "timezone"},
		{"local timezone", map[string]string{"timezone": "Local"}, "timezone"},
		{"empty", map[string]string{}, "profile"},
		{"long name", map[string]string{"display_name": string(make([]rune, 65))}, "display_name"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newRegistry(t)
			_, err := r.Upsert(context.Background(), 1, tc.fields)
			ve, ok := err.(*domain.ValidationError)
			if !ok {
				t.Fatalf("expected ValidationError, got %T %v", err, err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestUpsertInvalidLeavesProfileUntouched(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	if _, err := r.Upsert(ctx, 1, map[string]string{"timezone": "Europe/Paris"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := r.Upsert(ctx, 1, map[string]string{"timezone": "Asia/Tokyo", "nickname": "x"}); err == nil {
		t.Fatalf("expected error")
	}
	p, _ := r.Get(ctx, 1)
	if p.Timezone != "Europe/Paris" {
		t.Fatalf("timezone changed to %q", p.Timezone)
	}
}
