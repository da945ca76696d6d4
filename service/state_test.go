package service

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStore(t.TempDir(), "project_test01")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	return store
}

func TestNewStateStoreInitializesAllPhases(t *testing.T) {
	store := newTestStore(t)

	state, err := store.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusInitialized {
		t.Errorf("status = %q, want %q", state.Status, StatusInitialized)
	}
	if len(state.Phases) != len(PhaseOrder) {
		t.Fatalf("phases = %d, want %d", len(state.Phases), len(PhaseOrder))
	}
	for _, name := range PhaseOrder {
		rec, ok := state.Phases[name]
		if !ok {
			t.Fatalf("missing phase %q", name)
		}
		if rec.Status != PhaseStatusPending {
			t.Errorf("phase %s status = %q, want pending", name, rec.Status)
		}
	}
}

func TestNewStateStoreIsIdempotent(t *testing.T) {
	root := t.TempDir()
	store, err := NewStateStore(root, "project_idem")
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	if err := store.MergeUpdate(StateUpdate{Status: StatusProcessing, UserInput: "a cat video"}); err != nil {
		t.Fatalf("MergeUpdate: %v", err)
	}

	// 二次打开不得覆盖已有状态
	reopened, err := NewStateStore(root, "project_idem")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	state, err := reopened.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.Status != StatusProcessing || state.UserInput != "a cat video" {
		t.Errorf("state lost after reopen: status=%q input=%q", state.Status, state.UserInput)
	}
}

func TestGetStateSelfHealsOnMissingFile(t *testing.T) {
	store := newTestStore(t)
	if err := os.Remove(filepath.Join(store.Dir(), "project_state.json")); err != nil {
		t.Fatalf("remove state file: %v", err)
	}

	state, err := store.GetState()
	if err != nil {
		t.Fatalf("GetState after delete: %v", err)
	}
	if state.Status != StatusInitialized {
		t.Errorf("self-healed status = %q, want initialized", state.Status)
	}
}

func TestGetStateCorruptFileReturnsStateError(t *testing.T) {
	store := newTestStore(t)
	path := filepath.Join(store.Dir(), "project_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	_, err := store.GetState()
	if err == nil {
		t.Fatal("expected error for corrupt state file")
	}
	if !IsKind(err, ErrKindState) {
		t.Errorf("err kind = %v, want state", err)
	}
}

func TestMergeUpdateMonotonicUpdatedAt(t *testing.T) {
	store := newTestStore(t)

	s1, _ := store.GetState()
	if err := store.MergeUpdate(StateUpdate{Status: StatusProcessing}); err != nil {
		t.Fatalf("MergeUpdate: %v", err)
	}
	s2, _ := store.GetState()
	if s2.UpdatedAt.Before(s1.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v -> %v", s1.UpdatedAt, s2.UpdatedAt)
	}
}

func TestMergeUpdateScenesMergeBySceneID(t *testing.T) {
	store := newTestStore(t)

	sc := Scene{SceneID: "scene_001", SceneDescription: "opening", VoiceOverText: "hi", Duration: 8.0}
	if err := store.MergeUpdate(StateUpdate{Scenes: []SceneUpdate{{SceneID: "scene_001", Scene: &sc}}}); err != nil {
		t.Fatalf("insert scene: %v", err)
	}
	// 局部更新：只带 audio 字段，不得丢掉已有内容
	if err := store.MergeUpdate(StateUpdate{Scenes: []SceneUpdate{{
		SceneID:       "scene_001",
		AudioPath:     "/tmp/a.mp3",
		AudioDuration: 11.3,
	}}}); err != nil {
		t.Fatalf("patch scene: %v", err)
	}

	state, _ := store.GetState()
	if len(state.Scenes) != 1 {
		t.Fatalf("scenes = %d, want 1 (merge, not append)", len(state.Scenes))
	}
	got := state.Scenes[0]
	if got.SceneDescription != "opening" || got.VoiceOverText != "hi" {
		t.Errorf("patch dropped existing fields: %+v", got)
	}
	if got.AudioDuration != 11.3 || got.AudioPath != "/tmp/a.mp3" {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.AuthoritativeDuration() != 11.3 {
		t.Errorf("authoritative duration = %v, want measured 11.3", got.AuthoritativeDuration())
	}
}

func TestStartPhaseEnforcesSingleInProgress(t *testing.T) {
	store := newTestStore(t)

	if err := store.StartPhase(PhaseStory); err != nil {
		t.Fatalf("start story: %v", err)
	}
	err := store.StartPhase(PhaseVoice)
	if err == nil {
		t.Fatal("expected error starting voice while story in_progress")
	}
	if !IsKind(err, ErrKindState) {
		t.Errorf("err kind = %v, want state", err)
	}

	if err := store.CompletePhase(PhaseStory, map[string]interface{}{"scenes_count": 3}); err != nil {
		t.Fatalf("complete story: %v", err)
	}
	if err := store.StartPhase(PhaseVoice); err != nil {
		t.Fatalf("start voice after story completed: %v", err)
	}
}

func TestTerminalPhaseIsImmutable(t *testing.T) {
	store := newTestStore(t)

	store.StartPhase(PhaseStory)
	store.CompletePhase(PhaseStory, nil)

	if err := store.StartPhase(PhaseStory); err == nil {
		t.Error("expected error restarting completed phase")
	}
	if err := store.FailPhase(PhaseStory, "late failure"); err == nil {
		t.Error("expected error failing completed phase")
	}

	state, _ := store.GetState()
	if state.Phases[PhaseStory].Status != PhaseStatusCompleted {
		t.Errorf("completed phase mutated to %q", state.Phases[PhaseStory].Status)
	}
}

func TestFailPhaseDoesNotFailProject(t *testing.T) {
	store := newTestStore(t)
	store.MergeUpdate(StateUpdate{Status: StatusProcessing})

	store.StartPhase(PhaseVoice)
	if err := store.FailPhase(PhaseVoice, "tts unreachable"); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}

	state, _ := store.GetState()
	if state.Phases[PhaseVoice].Status != PhaseStatusFailed {
		t.Errorf("phase status = %q, want failed", state.Phases[PhaseVoice].Status)
	}
	if state.Phases[PhaseVoice].Error != "tts unreachable" {
		t.Errorf("phase error = %q", state.Phases[PhaseVoice].Error)
	}
	// 项目状态由 Orchestrator 决定，FailPhase 不得联动
	if state.Status != StatusProcessing {
		t.Errorf("project status = %q, want processing", state.Status)
	}
}

func TestStartPhaseRejectedAfterProjectTerminal(t *testing.T) {
	store := newTestStore(t)
	store.MergeUpdate(StateUpdate{Status: StatusFailed, Error: "boom"})

	if err := store.StartPhase(PhaseStory); err == nil {
		t.Error("expected error starting phase on failed project")
	}
}

func TestSetFinalOutputCompletesProject(t *testing.T) {
	store := newTestStore(t)
	store.MergeUpdate(StateUpdate{Status: StatusProcessing})

	output := map[string]interface{}{"final_video_path": "/tmp/final.mp4"}
	if err := store.SetFinalOutput(output); err != nil {
		t.Fatalf("SetFinalOutput: %v", err)
	}

	state, _ := store.GetState()
	if state.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", state.Status)
	}
	if state.CurrentPhase != "" {
		t.Errorf("current_phase = %q, want empty", state.CurrentPhase)
	}
	if state.FinalOutput["final_video_path"] != "/tmp/final.mp4" {
		t.Errorf("final_output = %+v", state.FinalOutput)
	}
}

func TestHistoryAppendAndFilter(t *testing.T) {
	store := newTestStore(t)

	store.StartPhase(PhaseStory)
	store.CompletePhase(PhaseStory, nil)
	store.StartPhase(PhaseVoice)
	store.AppendHistory("orchestrator", "note", map[string]interface{}{"k": "v"})

	all, err := store.GetHistory("")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("history = %d entries, want 4", len(all))
	}

	storyOnly, err := store.GetHistory(PhaseStory)
	if err != nil {
		t.Fatalf("GetHistory(story): %v", err)
	}
	if len(storyOnly) != 2 {
		t.Fatalf("story history = %d entries, want 2", len(storyOnly))
	}
	if storyOnly[0].Action != "phase_started" || storyOnly[1].Action != "phase_completed" {
		t.Errorf("story actions = %q, %q", storyOnly[0].Action, storyOnly[1].Action)
	}
}
