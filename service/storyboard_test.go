package service

import (
	"context"
	"fmt"
	"math"
	"testing"
)

func TestStoryboardMeasuredDurationOverridesEstimate(t *testing.T) {
	// 脚本估 8.0s，配音实测 11.3s，分镜必须按实测收敛
	llm := &fakeLLM{responses: map[string]string{
		"storyboard_planning": `{"shots": [
			{"shot_id": "x", "visual_description": "a", "duration": 4.0},
			{"shot_id": "y", "visual_description": "b", "duration": 4.0}
		]}`,
	}}
	scenes := []Scene{{SceneID: "scene_001", SceneDescription: "d", VoiceOverText: "v", Duration: 8.0}}
	meta := map[string]AudioMetadata{
		"scene_001": {SceneID: "scene_001", AudioPath: "/tmp/a.mp3", Duration: 11.3},
	}

	out, err := NewStoryboardStage(llm, 0.05).Run(context.Background(), scenes, meta)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sc := out[0]
	if sc.AudioDuration != 11.3 {
		t.Errorf("audio_duration = %v, want 11.3", sc.AudioDuration)
	}
	var sum float64
	for _, sh := range sc.Shots {
		sum += sh.Duration
	}
	if math.Abs(sum-11.3) > 0.05 {
		t.Errorf("shot durations sum = %v, want 11.3 ± 0.05", sum)
	}
}

func TestStoryboardExistingShotsSkipPlanning(t *testing.T) {
	llm := &fakeLLM{} // 任何调用都会失败，以此证明没走规划
	scenes := []Scene{{
		SceneID:       "scene_001",
		VoiceOverText: "v",
		Duration:      6.0,
		Shots: []Shot{
			{ShotID: "whatever", VisualDescription: "a", Duration: 3.0},
			{ShotID: "llm_made_this_up", VisualDescription: "b", Duration: 3.0},
		},
	}}

	out, err := NewStoryboardStage(llm, 0.05).Run(context.Background(), scenes, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(llm.calls) != 0 {
		t.Errorf("planner was called %d times, want 0", len(llm.calls))
	}
	shots := out[0].Shots
	if shots[0].ShotID != "scene_001_shot_001" || shots[1].ShotID != "scene_001_shot_002" {
		t.Errorf("shot ids not normalized: %q, %q", shots[0].ShotID, shots[1].ShotID)
	}
}

func TestStoryboardDefaultShotOnPlanningFailure(t *testing.T) {
	llm := &fakeLLM{err: capabilityErr("text generation", fmt.Errorf("worker down"))}
	scenes := []Scene{{SceneID: "scene_002", SceneDescription: "sunset", VoiceOverText: "v", AudioDuration: 7.5}}

	out, err := NewStoryboardStage(llm, 0.05).Run(context.Background(), scenes, nil)
	if err != nil {
		t.Fatalf("Run should absorb planning failure, got %v", err)
	}
	shots := out[0].Shots
	if len(shots) != 1 {
		t.Fatalf("fallback shots = %d, want 1", len(shots))
	}
	if shots[0].ShotID != "scene_002_shot_001" {
		t.Errorf("shot id = %q", shots[0].ShotID)
	}
	if shots[0].Duration != 7.5 {
		t.Errorf("fallback shot duration = %v, want full 7.5", shots[0].Duration)
	}
}

func TestStoryboardEmptyScenesIsError(t *testing.T) {
	_, err := NewStoryboardStage(&fakeLLM{}, 0.05).Run(context.Background(), nil, nil)
	if err == nil {
		t.Fatal("expected error for empty scenes")
	}
	if !IsKind(err, ErrKindValidation) {
		t.Errorf("err kind = %v, want validation", err)
	}
}

func TestNormalizeShotIDs(t *testing.T) {
	shots := []Shot{{ShotID: "foo"}, {ShotID: ""}, {ShotID: "scene_001_shot_007"}}
	normalizeShotIDs(shots, "scene_001")
	want := []string{"scene_001_shot_001", "scene_001_shot_002", "scene_001_shot_003"}
	for i, w := range want {
		if shots[i].ShotID != w {
			t.Errorf("shot[%d] = %q, want %q", i, shots[i].ShotID, w)
		}
	}
}

func TestRescaleShotDurations(t *testing.T) {
	t.Run("proportional scale with exact sum", func(t *testing.T) {
		shots := []Shot{{Duration: 2.0}, {Duration: 2.0}, {Duration: 4.0}}
		rescaleShotDurations(shots, 11.3, 0.05)
		var sum float64
		for _, sh := range shots {
			sum += sh.Duration
		}
		if sum != 11.3 {
			t.Errorf("sum = %v, want exactly 11.3 (last shot absorbs remainder)", sum)
		}
		// 比例大致保持
		if math.Abs(shots[0].Duration-shots[1].Duration) > 1e-9 {
			t.Errorf("equal shots diverged: %v vs %v", shots[0].Duration, shots[1].Duration)
		}
	})

	t.Run("within tolerance untouched", func(t *testing.T) {
		shots := []Shot{{Duration: 4.0}, {Duration: 4.03}}
		rescaleShotDurations(shots, 8.0, 0.05)
		if shots[0].Duration != 4.0 || shots[1].Duration != 4.03 {
			t.Errorf("shots rescaled inside tolerance: %v, %v", shots[0].Duration, shots[1].Duration)
		}
	})

	t.Run("no durations distributed evenly", func(t *testing.T) {
		shots := []Shot{{}, {}, {}}
		rescaleShotDurations(shots, 9.0, 0.05)
		for i, sh := range shots {
			if sh.Duration != 3.0 {
				t.Errorf("shot[%d] = %v, want 3.0", i, sh.Duration)
			}
		}
	})

	t.Run("zero target is noop", func(t *testing.T) {
		shots := []Shot{{Duration: 5.0}}
		rescaleShotDurations(shots, 0, 0.05)
		if shots[0].Duration != 5.0 {
			t.Errorf("shot mutated with zero target: %v", shots[0].Duration)
		}
	})
}
