package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sage/internal/session"
)

func newRecord() *session.Record {
	return &session.Record{
		Session: session.Session{
			ID:        uuid.New(),
			Query:     "why is the sky blue?",
			Status:    session.StatusPending,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()
	ctx := context.Background()

	rec := newRecord()
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, rec.Session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Session.Query != rec.Session.Query {
		t.Errorf("query = %q, want %q", got.Session.Query, rec.Session.Query)
	}
	if got.Session.UpdatedAt.IsZero() {
		t.Error("Put should stamp UpdatedAt")
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()

	_, err := store.Get(context.Background(), uuid.New())
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStoredRecordIsIsolated(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()
	ctx := context.Background()

	rec := newRecord()
	rec.State.Subquestions = []string{"a"}
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Mutating the caller's record must not leak into the store.
	rec.State.Subquestions[0] = "mutated"

	got, err := store.Get(ctx, rec.Session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State.Subquestions[0] != "a" {
		t.Error("store shares memory with the caller's record")
	}

	// Mutating a returned record must not change the stored one either.
	got.State.Subquestions[0] = "also mutated"
	again, _ := store.Get(ctx, rec.Session.ID)
	if again.State.Subquestions[0] != "a" {
		t.Error("returned record aliases store-internal state")
	}
}

func TestAppendTrace(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()
	ctx := context.Background()

	rec := newRecord()
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entries := []session.TraceEntry{
		{Seq: 0, Stage: session.StageDecompose},
		{Seq: 1, Stage: session.StageRetrieve},
	}
	if err := store.AppendTrace(ctx, rec.Session.ID, entries...); err != nil {
		t.Fatalf("AppendTrace: %v", err)
	}
	if err := store.AppendTrace(ctx, rec.Session.ID, session.TraceEntry{Seq: 2, Stage: session.StageSynthesize}); err != nil {
		t.Fatalf("AppendTrace: %v", err)
	}

	got, err := store.Get(ctx, rec.Session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Trace) != 3 {
		t.Fatalf("trace length = %d, want 3", len(got.Trace))
	}
	for i, entry := range got.Trace {
		if entry.Seq != i {
			t.Errorf("trace[%d].Seq = %d, want %d", i, entry.Seq, i)
		}
	}
}

func TestAppendTraceUnknownSession(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()

	err := store.AppendTrace(context.Background(), uuid.New(), session.TraceEntry{Seq: 0})
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	store := New(time.Hour)
	defer store.Close()
	ctx := context.Background()

	rec := newRecord()
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, rec.Session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, rec.Session.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	store := New(20 * time.Millisecond)
	defer store.Close()
	ctx := context.Background()

	rec := newRecord()
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := store.Get(ctx, rec.Session.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err after TTL = %v, want ErrNotFound", err)
	}
}
