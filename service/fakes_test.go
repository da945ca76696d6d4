package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// 各 Stage 的窄接口用本地 fake 替身测试，不依赖外部 worker / ffmpeg。

type fakeLLM struct {
	mu        sync.Mutex
	responses map[string]string // purpose -> 响应
	err       error
	calls     []string
}

func (f *fakeLLM) GenerateText(ctx context.Context, prompt, purpose string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, purpose)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if resp, ok := f.responses[purpose]; ok {
		return resp, nil
	}
	return "", capabilityErr("text generation", fmt.Errorf("no canned response for %s", purpose))
}

type fakeTTS struct {
	err   error
	bytes int // 写入的假音频大小
}

func (f *fakeTTS) SynthesizeSpeech(ctx context.Context, text, voice, outPath string) error {
	if f.err != nil {
		return f.err
	}
	size := f.bytes
	if size == 0 {
		size = 32000 // 按 16KB/s 估算恰好 2s
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, make([]byte, size), 0o644)
}

type fakeASR struct {
	err error
}

func (f *fakeASR) Transcribe(ctx context.Context, audioPath, outPath string) (*Transcript, error) {
	if f.err != nil {
		return nil, f.err
	}
	tr := &Transcript{Text: "hello world"}
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(`{"text":"hello world"}`), 0o644); err != nil {
			return nil, err
		}
	}
	return tr, nil
}

// fakeComposer 记录调用并产出占位文件；ProbeDuration 按路径返回预设值
type fakeComposer struct {
	mu        sync.Mutex
	durations map[string]float64
	probeErr  error
	concatErr error
	concats   [][]string
	merges    []string
	subtitles []string
	adjusts   []float64
}

func (f *fakeComposer) touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("media"), 0o644)
}

func (f *fakeComposer) CutVideo(ctx context.Context, inPath, outPath string, start, end float64) error {
	return f.touch(outPath)
}

func (f *fakeComposer) AdjustDuration(ctx context.Context, inPath, outPath string, targetSeconds float64) error {
	f.mu.Lock()
	f.adjusts = append(f.adjusts, targetSeconds)
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeComposer) ConcatVideos(ctx context.Context, inPaths []string, outPath string) error {
	if f.concatErr != nil {
		return f.concatErr
	}
	f.mu.Lock()
	f.concats = append(f.concats, inPaths)
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeComposer) MergeAudio(ctx context.Context, videoPath, audioPath, outPath string) error {
	f.mu.Lock()
	f.merges = append(f.merges, audioPath)
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeComposer) OverlaySubtitles(ctx context.Context, videoPath, srtPath, outPath string) error {
	f.mu.Lock()
	f.subtitles = append(f.subtitles, srtPath)
	f.mu.Unlock()
	return f.touch(outPath)
}

func (f *fakeComposer) ProbeDuration(ctx context.Context, path string) (float64, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.durations[filepath.Base(path)]; ok {
		return d, nil
	}
	return 2.0, nil
}

// fakeVideo 按 shot 产出占位素材；failShots 里的 shot 模拟生成失败
type fakeVideo struct {
	mu        sync.Mutex
	failShots map[string]bool
	err       error
	requests  []VideoRequest
}

func (f *fakeVideo) GenerateVideo(ctx context.Context, req VideoRequest, outPath string) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	base := filepath.Base(outPath)
	for shot := range f.failShots {
		if base == shot+".mp4" {
			return capabilityErr("video generation", fmt.Errorf("synth refused"))
		}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outPath, []byte("video"), 0o644)
}
