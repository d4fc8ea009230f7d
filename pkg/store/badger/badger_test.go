package badger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	// Use in-memory mode for tests
	st, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBadgerStore_IncrementAndReadAll(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Increment(ctx, "rollup:a", "scans_count", 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	got, err := st.Increment(ctx, "rollup:a", "scans_count", 2)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if got != 3 {
		t.Errorf("Expected counter value 3, got %d", got)
	}

	fields, err := st.ReadAll(ctx, "rollup:a")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if fields["scans_count"] != "3" {
		t.Errorf("Expected scans_count=3, got %q", fields["scans_count"])
	}

	// A hash never written reads as empty, not as an error.
	fields, err = st.ReadAll(ctx, "rollup:missing")
	if err != nil {
		t.Fatalf("ReadAll of missing hash failed: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("Expected empty hash, got %v", fields)
	}
}

func TestBadgerStore_SetSnapshotOverwrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, status := range []string{"scan_pending", "scan_complete"} {
		err := st.SetSnapshot(ctx, "rollup:a", map[string]string{"last_status": status})
		if err != nil {
			t.Fatalf("SetSnapshot failed: %v", err)
		}
	}

	fields, err := st.ReadAll(ctx, "rollup:a")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if fields["last_status"] != "scan_complete" {
		t.Errorf("Expected last write to win, got %q", fields["last_status"])
	}
}

func TestBadgerStore_RangeQueryOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	days := []struct {
		member string
		score  float64
	}{
		{"rollup:2024-01-01", 19723},
		{"rollup:2024-01-03", 19725},
		{"rollup:2024-01-02", 19724},
	}
	for _, d := range days {
		if err := st.Register(ctx, "idx", d.member, d.score); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	// Re-registering is idempotent.
	if err := st.Register(ctx, "idx", "rollup:2024-01-03", 19725); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}

	members, err := st.RangeQuery(ctx, "idx", 0, 0)
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	want := []string{"rollup:2024-01-03", "rollup:2024-01-02", "rollup:2024-01-01"}
	if len(members) != len(want) {
		t.Fatalf("Expected %d members, got %d: %v", len(want), len(members), members)
	}
	for i, m := range want {
		if members[i] != m {
			t.Errorf("Expected members[%d]=%s, got %s", i, m, members[i])
		}
	}

	// minScore cuts off older days, limit caps newer ones.
	members, err = st.RangeQuery(ctx, "idx", 19724, 0)
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("Expected 2 members at minScore 19724, got %v", members)
	}

	members, err = st.RangeQuery(ctx, "idx", 0, 1)
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	if len(members) != 1 || members[0] != "rollup:2024-01-03" {
		t.Errorf("Expected only the newest member, got %v", members)
	}
}

func TestBadgerStore_ConcurrentIncrements(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := st.Increment(ctx, "rollup:a", "scans_count", 1); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Concurrent increment failed: %v", err)
	}

	fields, err := st.ReadAll(ctx, "rollup:a")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	want := fmt.Sprintf("%d", workers*perWorker)
	if fields["scans_count"] != want {
		t.Errorf("Expected scans_count=%s, got %q", want, fields["scans_count"])
	}
}

func TestBadgerStore_DeleteKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Increment(ctx, "rollup:a", "scans_count", 5); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if _, err := st.Increment(ctx, "rollup:b", "scans_count", 7); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	if err := st.DeleteKeys(ctx, "rollup:a"); err != nil {
		t.Fatalf("DeleteKeys failed: %v", err)
	}

	fields, err := st.ReadAll(ctx, "rollup:a")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("Expected deleted hash to be empty, got %v", fields)
	}

	fields, err = st.ReadAll(ctx, "rollup:b")
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if fields["scans_count"] != "7" {
		t.Errorf("Expected untouched hash to survive, got %v", fields)
	}
}

func TestBadgerStore_Persistence(t *testing.T) {
	// Use temp directory for persistence test
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	// Write with first instance
	{
		st, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		if _, err := st.Increment(ctx, "rollup:a", "scans_count", 9); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if err := st.Register(ctx, "idx", "rollup:a", 19723); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		st.Close()
	}

	// Read from second instance (reopens same directory)
	{
		st, err := New(Config{Path: tmpDir})
		if err != nil {
			t.Fatalf("Failed to reopen store: %v", err)
		}
		defer st.Close()

		fields, err := st.ReadAll(ctx, "rollup:a")
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if fields["scans_count"] != "9" {
			t.Errorf("Expected persisted scans_count=9, got %q", fields["scans_count"])
		}

		members, err := st.RangeQuery(ctx, "idx", 0, 0)
		if err != nil {
			t.Fatalf("RangeQuery failed: %v", err)
		}
		if len(members) != 1 || members[0] != "rollup:a" {
			t.Errorf("Expected persisted index entry, got %v", members)
		}
	}
}

func TestBadgerStore_AppendDistinctEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Same-payload appends hash identically but carry distinct timestamps;
	// distinct payloads in the same nanosecond differ by hash.
	for i := 0; i < 3; i++ {
		if err := st.Append(ctx, "events", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
}
