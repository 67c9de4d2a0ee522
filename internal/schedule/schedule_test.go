package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 9 * * *", false},
		{" 30 8 * * 1-5 ", false},
		{"", true},
		{"0 9 * *", true},
		{"0 25 * * *", true},
		{"@every 1h", true},
	}
	for _, tt := range tests {
		_, err := Parse(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Parse(%q) error = %v, wantErr %t", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNextUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	s, err := New("daily", "0 9 * * *", loc, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 5, 8, 59, 0, 0, loc), time.Date(2026, 3, 5, 9, 0, 0, 0, loc)},
		{time.Date(2026, 3, 5, 9, 0, 0, 0, loc), time.Date(2026, 3, 6, 9, 0, 0, 0, loc)},
		// 03:00 UTC is 10:00 local, so the next run is tomorrow.
		{time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC), time.Date(2026, 3, 6, 9, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		if got := s.Next(tt.now); !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestRunFiresUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := 0
	s, err := New("daily", "0 9 * * *", time.UTC, func(context.Context) error {
		runs++
		if runs == 1 {
			return errors.New("transient failure")
		}
		if runs == 3 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var waits []time.Duration
	s.now = func() time.Time { return time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC) }
	s.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		if ctx.Err() == nil {
			ch <- time.Time{}
		}
		return ch
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
	if waits[0] != time.Hour {
		t.Fatalf("first wait = %s, want 1h", waits[0])
	}
}
