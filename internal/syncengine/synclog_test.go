package syncengine

import (
	"context"
	"testing"
	"time"
)

func TestSyncLogRecordFillsIDAndTimestamp(t *testing.T) {
	syncLog := NewSyncLog(NewMemorySyncLogStore(10))
	ctx := context.Background()

	err := syncLog.Record(ctx, SyncLogEntry{
		Direction: DirectionNotionToGCal,
		Operation: OpCreate,
		Status:    SyncStatusSuccess,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := syncLog.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == "" || entries[0].Timestamp.IsZero() {
		t.Errorf("id and timestamp should be filled: %+v", entries[0])
	}
}

func TestMemorySyncLogStoreBoundedNewestFirst(t *testing.T) {
	store := NewMemorySyncLogStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		entry := SyncLogEntry{
			ID:        string(rune('a' + i)),
			Timestamp: time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		}
		if err := store.Append(ctx, entry); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("store should keep only 3 entries, got %d", len(entries))
	}
	if entries[0].ID != "e" || entries[2].ID != "c" {
		t.Errorf("entries should be newest first: %+v", entries)
	}
}

func TestSyncLogSubscribeReceivesNewEntries(t *testing.T) {
	syncLog := NewSyncLog(NewMemorySyncLogStore(10))
	ctx := context.Background()

	entries, cancel := syncLog.Subscribe()
	defer cancel()

	if err := syncLog.Record(ctx, SyncLogEntry{Operation: OpUpdate, Status: SyncStatusSuccess}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	select {
	case entry := <-entries:
		if entry.Operation != OpUpdate {
			t.Errorf("unexpected entry: %+v", entry)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the entry")
	}
}

func TestSyncLogSubscribeCancelStopsDelivery(t *testing.T) {
	syncLog := NewSyncLog(NewMemorySyncLogStore(10))
	entries, cancel := syncLog.Subscribe()
	cancel()

	if err := syncLog.Record(context.Background(), SyncLogEntry{Operation: OpDelete, Status: SyncStatusSuccess}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	select {
	case _, ok := <-entries:
		if ok {
			t.Error("cancelled subscriber should not receive entries")
		}
	case <-time.After(100 * time.Millisecond):
		// Channel may simply stay open and silent; both are acceptable
		// as long as no entry arrives.
	}
}
