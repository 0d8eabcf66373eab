package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/selfopt/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "selfopt.db"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.LatestExport(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	snap := &types.ExportSnapshot{
		Performance:       map[string]types.PerformanceSnapshot{"GET /x": {SuccessRate: 0.5, AvgDurationMs: 120, Samples: 20}},
		InteractionCount:  7,
		LearningQueueSize: 3,
		Capabilities:      []string{"cache"},
		ExportedAt:        time.Now().UTC(),
	}
	id, err := s.SaveExport(snap)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatalf("expected non-zero export id")
	}

	got, err := s.LatestExport()
	if err != nil {
		t.Fatal(err)
	}
	if got.InteractionCount != 7 || got.Performance["GET /x"].Samples != 20 {
		t.Fatalf("unexpected export: %+v", got)
	}

	_, _ = s.SaveExport(&types.ExportSnapshot{InteractionCount: 9})
	list, err := s.ListExports(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Snapshot.InteractionCount != 9 {
		t.Fatalf("expected newest export first, got %+v", list)
	}
}

func TestEvolutionAudit(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	at := time.Now().UTC()
	for v := 1; v <= 2; v++ {
		ev := types.EvolutionEvent{Version: v, Kinds: []types.DirectiveKind{types.KindCache, types.KindRetry}, At: at.Add(time.Duration(v) * time.Second)}
		if err := s.SaveEvolution(ev); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := s.ListEvolutions()
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 || evs[0].Version != 1 || evs[1].Version != 2 {
		t.Fatalf("unexpected evolutions: %+v", evs)
	}
	if len(evs[1].Kinds) != 2 || evs[1].Kinds[0] != types.KindCache {
		t.Fatalf("kinds not preserved: %+v", evs[1].Kinds)
	}
}

func TestFeedbackLogAndPrune(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	old := time.Now().UTC().Add(-48 * time.Hour)
	_ = s.SaveFeedback(types.Feedback{Action: "search", Satisfied: true, Timestamp: old}, true, "")
	if err := s.SaveFeedback(types.Feedback{Action: "open", Satisfied: false, Details: map[string]any{"reason": "slow"}, Timestamp: time.Now().UTC()}, false, "status 503"); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListFeedback(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Feedback.Action != "open" || recs[0].Delivered || recs[0].ErrorMsg != "status 503" {
		t.Fatalf("unexpected feedback records: %+v", recs)
	}
	if recs[0].Feedback.Details["reason"] != "slow" {
		t.Fatalf("details not preserved: %+v", recs[0].Feedback.Details)
	}

	n, err := s.Prune(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one pruned row, got %d", n)
	}
	if recs, _ := s.ListFeedback(0); len(recs) != 1 {
		t.Fatalf("expected one remaining feedback record")
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.SaveFeedback(types.Feedback{Action: fmt.Sprintf("a%d", i), Timestamp: time.Now().UTC()}, true, "")
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.ListExports(5)
		}()
	}
	wg.Wait()

	recs, err := s.ListFeedback(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) == 0 {
		t.Fatalf("expected feedback records")
	}
}
