package counters

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testWindows() Windows {
	return Windows{"msg": 10 * time.Second, "join": time.Minute}
}

func TestWindowsValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		w       Windows
		wantErr bool
	}{
		{name: "ok", w: testWindows()},
		{name: "empty", w: Windows{}, wantErr: true},
		{name: "zero window", w: Windows{"msg": 0}, wantErr: true},
		{name: "negative window", w: Windows{"msg": -time.Second}, wantErr: true},
		{name: "empty metric", w: Windows{"": time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemStoreTumbling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewMemStore(testWindows())
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}

	base := time.Unix(1000, 0) // window [1000,1010)
	for i := 1; i <= 3; i++ {
		n, err := s.Record(ctx, "u1/c1", "msg", base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if n != i {
			t.Fatalf("Record #%d = %d, want %d", i, n, i)
		}
	}

	// Peek does not mutate.
	n, err := s.Peek(ctx, "u1/c1", "msg", base.Add(5*time.Second))
	if err != nil || n != 3 {
		t.Fatalf("Peek = %d, %v; want 3, nil", n, err)
	}

	// Crossing the window boundary resets to 1.
	n, err = s.Record(ctx, "u1/c1", "msg", base.Add(11*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("Record in next window = %d, %v; want 1, nil", n, err)
	}

	// Peek in a window with no bucket is 0.
	n, err = s.Peek(ctx, "u1/c1", "msg", base.Add(25*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("Peek stale = %d, %v; want 0, nil", n, err)
	}
}

func TestMemStoreSubjectsIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewMemStore(testWindows())
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ts := time.Unix(2000, 0)

	var wg sync.WaitGroup
	subjects := []string{"a/1", "b/1", "c/2", "d/2"}
	for _, sub := range subjects {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if _, err := s.Record(ctx, sub, "msg", ts); err != nil {
					t.Errorf("Record(%s): %v", sub, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, sub := range subjects {
		n, err := s.Peek(ctx, sub, "msg", ts)
		if err != nil {
			t.Fatalf("Peek(%s): %v", sub, err)
		}
		if n != 50 {
			t.Fatalf("Peek(%s) = %d, want 50", sub, n)
		}
	}
}

func TestMemStoreUnknownMetric(t *testing.T) {
	t.Parallel()
	s, err := NewMemStore(testWindows())
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	if _, err := s.Record(context.Background(), "u", "bogus", time.Now()); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestMemStoreCompact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, err := NewMemStore(testWindows())
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	ts := time.Unix(3000, 0)
	if _, err := s.Record(ctx, "u1", "msg", ts); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := s.Record(ctx, "u2", "msg", ts); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Same window: nothing to drop.
	if n := s.Compact(ts.Add(time.Second)); n != 0 {
		t.Fatalf("Compact same window removed %d, want 0", n)
	}
	// Window rolled over: both buckets are stale.
	if n := s.Compact(ts.Add(time.Minute)); n != 2 {
		t.Fatalf("Compact removed %d, want 2", n)
	}
	// The current window is unaffected: it was already empty.
	got, err := s.Peek(ctx, "u1", "msg", ts.Add(time.Minute))
	if err != nil || got != 0 {
		t.Fatalf("Peek after compact = %d, %v; want 0, nil", got, err)
	}
}
