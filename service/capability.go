package service

import "context"

// 外部能力以窄接口注入各 Stage，便于替换实现与测试。
// 具体实现见 WorkerClient（HTTP worker）和 FFmpegComposer（本地 ffmpeg）。

type TextGenerator interface {
	GenerateText(ctx context.Context, prompt, purpose string) (string, error)
}

type SpeechSynthesizer interface {
	// SynthesizeSpeech 合成旁白并写入 outPath，时长由调用方自行实测
	SynthesizeSpeech(ctx context.Context, text, voice, outPath string) error
}

type Transcriber interface {
	// Transcribe 对音频做词级对齐识别，结果同时写入 outPath
	Transcribe(ctx context.Context, audioPath, outPath string) (*Transcript, error)
}

// VideoRequest 文生视频请求
type VideoRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Duration       float64 `json:"duration"`
	AspectRatio    string  `json:"aspect_ratio"`
}

type VideoSynthesizer interface {
	// GenerateVideo 异步生成，内部轮询至终态后把产物下载到 outPath
	GenerateVideo(ctx context.Context, req VideoRequest, outPath string) error
}

// MediaComposer 视频容器操作（剪切、变速、拼接、混音、字幕、时长探测）
type MediaComposer interface {
	CutVideo(ctx context.Context, inPath, outPath string, start, end float64) error
	AdjustDuration(ctx context.Context, inPath, outPath string, targetSeconds float64) error
	ConcatVideos(ctx context.Context, inPaths []string, outPath string) error
	MergeAudio(ctx context.Context, videoPath, audioPath, outPath string) error
	OverlaySubtitles(ctx context.Context, videoPath, srtPath, outPath string) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}
