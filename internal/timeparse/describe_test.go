package timeparse

import (
	"testing"
	"time"
)

func TestDescribe(t *testing.T) {
	t.Parallel()
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	now := mustTime(t, "2024-01-01T10:00:00Z")

	tests := []struct {
		at   string
		loc  *time.Location
		want string
	}{
		{"2024-01-01T15:30:00Z", time.UTC, "today at 3:30 PM"},
		{"2024-01-02T09:00:00Z", time.UTC, "tomorrow at 9:00 AM"},
		{"2023-12-31T23:00:00Z", time.UTC, "yesterday at 11:00 PM"},
		{"2024-01-08T14:00:00Z", time.UTC, "Mon Jan 8 at 2:00 PM"},
		{"2025-03-01T08:05:00Z", time.UTC, "Sat Mar 1, 2025 at 8:05 AM"},
		// 10:00Z is 05:00 in New York; 2024-01-02T03:00Z is still Jan 1 there.
		{"2024-01-02T03:00:00Z", ny, "today at 10:00 PM"},
		{"2024-01-01T10:00:00Z", nil, "today at 10:00 AM"},
	}
	for _, tc := range tests {
		if got := Describe(mustTime(t, tc.at), now, tc.loc); got != tc.want {
			t.Fatalf("Describe(%s) = %q, want %q", tc.at, got, tc.want)
		}
	}
}

func TestDescribeDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{15 * time.Minute, "15m"},
		{90 * time.Minute, "1h 30m"},
		{26 * time.Hour, "1d 2h"},
		{30 * time.Second, "30s"},
	}
	for _, tc := range tests {
		if got := DescribeDuration(tc.d); got != tc.want {
			t.Fatalf("DescribeDuration(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
