package metering_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skycaster/metering/pkg/metering"
	"github.com/skycaster/metering/storage/memory"
)

// brokenStore fails every usage write.
type brokenStore struct {
	metering.Store
}

func (brokenStore) RecordUsage(context.Context, *metering.UsageRecord) (string, error) {
	return "", errors.New("disk on fire")
}

func TestRecorder_ReturnsRecordID(t *testing.T) {
	store := memory.New()
	store.CreateUser("user1", true)
	recorder := metering.NewRecorder(store, nil, nil)

	id := recorder.Record(context.Background(), &metering.UsageRecord{
		UserID:   "user1",
		Endpoint: "/v1/forecast",
		Status:   200,
		Success:  true,
		Cost:     1.18,
		Currency: "INR",
	})
	if id == "" {
		t.Fatal("expected a record ID")
	}

	records := store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected 1 stored record, got %d", len(records))
	}
	if records[0].ID != id {
		t.Errorf("stored record ID %q does not match returned %q", records[0].ID, id)
	}
	if records[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should have been defaulted")
	}
}

func TestRecorder_AbsorbsStoreFailure(t *testing.T) {
	recorder := metering.NewRecorder(brokenStore{}, nil, nil)

	// A persistence failure must not propagate; the caller just learns the
	// record was lost via the empty ID.
	id := recorder.Record(context.Background(), &metering.UsageRecord{
		UserID:   "user1",
		Endpoint: "/v1/forecast",
		Status:   200,
		Success:  true,
	})
	if id != "" {
		t.Errorf("expected empty ID on persistence failure, got %q", id)
	}
}

func TestRecorder_PreservesExplicitCreatedAt(t *testing.T) {
	store := memory.New()
	store.CreateUser("user1", true)
	recorder := metering.NewRecorder(store, nil, nil)

	createdAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recorder.Record(context.Background(), &metering.UsageRecord{
		UserID:    "user1",
		Endpoint:  "/v1/forecast",
		CreatedAt: createdAt,
	})

	records := store.Records("user1")
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].CreatedAt.Equal(createdAt) {
		t.Errorf("CreatedAt = %v, want %v", records[0].CreatedAt, createdAt)
	}
}
