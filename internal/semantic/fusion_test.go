package semantic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/grounding"
	"github.com/linnemanlabs/aegis/internal/intel"
	"github.com/linnemanlabs/aegis/internal/risk"
	"github.com/linnemanlabs/aegis/internal/track"
)

func testFusion(t *testing.T, store *intel.Store) *Fusion {
	t.Helper()
	f, err := NewFusion(FusionConfig{StalenessWindow: 90}, store, log.Nop(), nil)
	if err != nil {
		t.Fatalf("NewFusion: %v", err)
	}
	return f
}

func seedTrack(store *intel.Store, id track.ID, frame int64) {
	obs := track.Observation{TrackID: id, Class: "person", Confidence: 0.95}
	st := &risk.State{TrackID: id, Score: 0.7, Level: risk.LevelHigh}
	store.UpdateRisk(obs, st, frame, time.Unix(1_700_000_000, 0))
}

func matchCompletion(id track.ID, submitFrame int64) *Completion {
	task := &Task{ID: NewTaskID(), TrackID: id, SubmitFrame: submitFrame, State: TaskCompleted}
	res := &grounding.Result{Match: true, Label: "person in red jacket", Confidence: 0.85, MatchedPhrase: "red jacket"}
	task.Result = res
	return &Completion{Task: task, Result: res}
}

func TestAttach_FusesMatchIntoLiveTrack(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	seedTrack(store, 5, 100)
	f := testFusion(t, store)

	if !f.Attach(context.Background(), matchCompletion(5, 100), 130) {
		t.Fatal("Attach returned false for live in-window match")
	}

	rec, ok := store.Get(5)
	if !ok {
		t.Fatal("record vanished")
	}
	if rec.SemanticLabel != "person in red jacket" || rec.SemanticConfidence != 0.85 {
		t.Errorf("record = %+v", rec)
	}
}

func TestAttach_DiscardsStaleResult(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	seedTrack(store, 5, 100)
	f := testFusion(t, store)

	if f.Attach(context.Background(), matchCompletion(5, 100), 191) {
		t.Fatal("Attach accepted a result past the staleness window")
	}
	if rec, _ := store.Get(5); rec.HasSemantic() {
		t.Error("stale result was fused")
	}
}

func TestAttach_ExactWindowBoundaryStillFuses(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	seedTrack(store, 5, 100)
	f := testFusion(t, store)

	if !f.Attach(context.Background(), matchCompletion(5, 100), 190) {
		t.Fatal("lag equal to the window should still fuse")
	}
}

func TestAttach_DiscardsWhenTrackGone(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	f := testFusion(t, store)

	if f.Attach(context.Background(), matchCompletion(9, 100), 110) {
		t.Fatal("Attach accepted a result for an unknown track")
	}
}

func TestAttach_SkipsNonMatchAndFailures(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	seedTrack(store, 5, 100)
	f := testFusion(t, store)

	noMatch := matchCompletion(5, 100)
	noMatch.Result.Match = false
	if f.Attach(context.Background(), noMatch, 110) {
		t.Error("non-match should not fuse")
	}

	failed := &Completion{
		Task: &Task{ID: NewTaskID(), TrackID: 5, SubmitFrame: 100, State: TaskFailed},
		Err:  errors.New("backend unavailable"),
	}
	if f.Attach(context.Background(), failed, 110) {
		t.Error("failed completion should not fuse")
	}

	if rec, _ := store.Get(5); rec.HasSemantic() {
		t.Error("record gained semantics from a skipped completion")
	}
}

func TestAttach_UserQueryResultHasNoTrackBinding(t *testing.T) {
	t.Parallel()

	store := intel.NewStore()
	f := testFusion(t, store)

	if f.Attach(context.Background(), matchCompletion(0, 100), 110) {
		t.Error("trackless completion should not fuse")
	}
}

func TestFusionConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := (FusionConfig{StalenessWindow: 0}).Validate(); err == nil {
		t.Error("expected validation error for zero window")
	}
}
