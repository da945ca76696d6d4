package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
)

func testScene(shots ...Shot) Scene {
	return Scene{
		SceneID:       "scene_001",
		VoiceOverText: "narration",
		AudioDuration: 8.0,
		Shots:         shots,
	}
}

func TestClipStageProducesSceneClip(t *testing.T) {
	workDir := t.TempDir()
	audioPath := workDir + "/voice.mp3"
	if err := os.WriteFile(audioPath, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	video := &fakeVideo{}
	composer := &fakeComposer{}
	stage := NewClipStage(video, composer, "16:9")

	scene := testScene(
		Shot{ShotID: "scene_001_shot_001", VisualDescription: "a", Duration: 4.0},
		Shot{ShotID: "scene_001_shot_002", VisualDescription: "b", Duration: 4.0},
	)
	meta := AudioMetadata{SceneID: "scene_001", AudioPath: audioPath, Duration: 8.0}

	clip, err := stage.Run(context.Background(), scene, meta, workDir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if clip == nil {
		t.Fatal("clip is nil")
	}
	if clip.AssetsCreated != 2 {
		t.Errorf("assets = %d, want 2", clip.AssetsCreated)
	}
	if len(composer.concats) != 1 {
		t.Errorf("concat calls = %d, want 1", len(composer.concats))
	}
	if len(composer.merges) != 1 || composer.merges[0] != audioPath {
		t.Errorf("audio merge not performed: %v", composer.merges)
	}
	if _, err := os.Stat(clip.ClipPath); err != nil {
		t.Errorf("clip file missing: %v", err)
	}
}

func TestClipStageOmitsFailedShots(t *testing.T) {
	video := &fakeVideo{failShots: map[string]bool{"scene_001_shot_001": true}}
	stage := NewClipStage(video, &fakeComposer{}, "16:9")

	scene := testScene(
		Shot{ShotID: "scene_001_shot_001", VisualDescription: "a", Duration: 4.0},
		Shot{ShotID: "scene_001_shot_002", VisualDescription: "b", Duration: 4.0},
	)
	clip, err := stage.Run(context.Background(), scene, AudioMetadata{}, t.TempDir())
	if err != nil {
		t.Fatalf("single shot failure must not fail the scene: %v", err)
	}
	if clip == nil {
		t.Fatal("clip is nil")
	}
	if clip.AssetsCreated != 1 {
		t.Errorf("assets = %d, want 1 (failed shot omitted)", clip.AssetsCreated)
	}
}

func TestClipStageAllShotsFailedSkipsScene(t *testing.T) {
	video := &fakeVideo{err: capabilityErr("video generation", fmt.Errorf("worker down"))}
	stage := NewClipStage(video, &fakeComposer{}, "16:9")

	clip, err := stage.Run(context.Background(),
		testScene(Shot{ShotID: "scene_001_shot_001", VisualDescription: "a", Duration: 8.0}),
		AudioMetadata{}, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if clip != nil {
		t.Errorf("clip = %+v, want nil skip marker", clip)
	}
}

func TestClipStageNoShotsIsError(t *testing.T) {
	stage := NewClipStage(&fakeVideo{}, &fakeComposer{}, "16:9")
	_, err := stage.Run(context.Background(), testScene(), AudioMetadata{}, t.TempDir())
	if !IsKind(err, ErrKindValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestClipStageNoAudioSkipsMerge(t *testing.T) {
	composer := &fakeComposer{}
	stage := NewClipStage(&fakeVideo{}, composer, "16:9")

	scene := testScene(Shot{ShotID: "scene_001_shot_001", VisualDescription: "a", Duration: 8.0})
	clip, err := stage.Run(context.Background(), scene, AudioMetadata{}, t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(composer.merges) != 0 {
		t.Errorf("merge calls = %d, want 0 without audio", len(composer.merges))
	}
	if _, err := os.Stat(clip.ClipPath); err != nil {
		t.Errorf("silent clip missing: %v", err)
	}
}

func TestClipStageBurnsSubtitlesFromASR(t *testing.T) {
	workDir := t.TempDir()
	asrPath := workDir + "/asr.json"
	if err := os.WriteFile(asrPath, []byte(`{"text": "hello world",
		"words": [{"word": "hello", "start": 0.0, "end": 0.4},
		          {"word": "world", "start": 0.4, "end": 0.9}]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	composer := &fakeComposer{}
	stage := NewClipStage(&fakeVideo{}, composer, "16:9")

	scene := testScene(Shot{ShotID: "scene_001_shot_001", VisualDescription: "a", Duration: 8.0})
	meta := AudioMetadata{SceneID: "scene_001", ASRPath: asrPath}
	if _, err := stage.Run(context.Background(), scene, meta, workDir); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(composer.subtitles) != 1 {
		t.Fatalf("subtitle overlays = %d, want 1", len(composer.subtitles))
	}
	srt, err := os.ReadFile(composer.subtitles[0])
	if err != nil {
		t.Fatalf("read srt: %v", err)
	}
	want := "1\n00:00:00,000 --> 00:00:00,900\nhello world\n\n"
	if string(srt) != want {
		t.Errorf("srt = %q, want %q", srt, want)
	}
}

func TestSRTTimestamp(t *testing.T) {
	cases := map[float64]string{
		0:       "00:00:00,000",
		0.9:     "00:00:00,900",
		61.25:   "00:01:01,250",
		3725.04: "01:02:05,040",
	}
	for in, want := range cases {
		if got := srtTimestamp(in); got != want {
			t.Errorf("srtTimestamp(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildVideoPromptNestedTakesPrecedence(t *testing.T) {
	shot := Shot{
		VisualDescription: "a red fox in snow",
		CameraMovement:    "pan",
		CameraAngle:       "high",
		ShotType:          "wide",
		Lighting:          "flat",
		Mood:              "calm",
		Visuals: &ShotVisuals{
			Composition: ShotComposition{ShotType: "close-up", CameraAngle: "low", CameraMovement: "tracking"},
			Lighting:    "golden hour",
			Mood:        "tense",
		},
	}
	prompt := buildVideoPrompt(&shot)

	for _, want := range []string{"a red fox in snow", "close-up shot", "low angle", "tracking camera movement", "golden hour lighting", "tense mood"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q: %s", want, prompt)
		}
	}
	for _, reject := range []string{"wide shot", "high angle", "pan camera", "flat lighting", "calm mood"} {
		if strings.Contains(prompt, reject) {
			t.Errorf("prompt used flat field %q over nested: %s", reject, prompt)
		}
	}
}

func TestBuildVideoPromptFlatFallback(t *testing.T) {
	shot := Shot{
		ShotDescription: "city street",
		ShotType:        "medium",
		CameraMovement:  "static",
	}
	prompt := buildVideoPrompt(&shot)
	if !strings.Contains(prompt, "city street") {
		t.Errorf("prompt missing shot_description fallback: %s", prompt)
	}
	if !strings.Contains(prompt, "medium shot") {
		t.Errorf("prompt missing flat shot type: %s", prompt)
	}
	// static 不值得写进提示词
	if strings.Contains(prompt, "static camera movement") {
		t.Errorf("static movement should be omitted: %s", prompt)
	}
}
