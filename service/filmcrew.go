package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const negativePrompt = "blurry, low quality, distorted, watermark, text overlay, jittery"

// ClipStage 成片阶段：逐分镜生视频素材，按分镜时长变速，拼接成场景片段，
// 最后混入配音。单个分镜失败只是缺席，不拖垮整个场景。
type ClipStage struct {
	video       VideoSynthesizer
	composer    MediaComposer
	aspectRatio string
}

func NewClipStage(video VideoSynthesizer, composer MediaComposer, aspectRatio string) *ClipStage {
	if aspectRatio == "" {
		aspectRatio = "16:9"
	}
	return &ClipStage{video: video, composer: composer, aspectRatio: aspectRatio}
}

// Run 处理单个场景。所有分镜素材都没产出时返回 (nil, nil)，
// 表示该场景整体缺席，由上层决定剩下的片段怎么拼。
func (c *ClipStage) Run(ctx context.Context, scene Scene, meta AudioMetadata, workDir string) (*SceneClip, error) {
	if len(scene.Shots) == 0 {
		return nil, validationErr("clip production", fmt.Errorf("scene %s has no shots", scene.SceneID))
	}

	audioDuration := meta.Duration
	if audioDuration <= 0 {
		audioDuration = scene.AuthoritativeDuration()
	}

	assetsDir := filepath.Join(workDir, "assets", scene.SceneID)
	tempDir := filepath.Join(workDir, "temp", scene.SceneID)
	for _, dir := range []string{assetsDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, pipelineErr("clip production", err)
		}
	}

	// 逐分镜生成素材并变速到目标时长，失败的分镜直接跳过
	var segments []string
	for _, shot := range scene.Shots {
		rawPath := filepath.Join(assetsDir, shot.ShotID+".mp4")
		if err := c.video.GenerateVideo(ctx, VideoRequest{
			Prompt:         buildVideoPrompt(&shot),
			NegativePrompt: negativePrompt,
			Duration:       shot.Duration,
			AspectRatio:    c.aspectRatio,
		}, rawPath); err != nil {
			if !recoverable(err) {
				return nil, err
			}
			log.Printf("[filmcrew] 分镜 %s 生成失败，跳过: %v", shot.ShotID, err)
			continue
		}

		adjusted := filepath.Join(tempDir, shot.ShotID+"_adjusted.mp4")
		if err := c.composer.AdjustDuration(ctx, rawPath, adjusted, shot.Duration); err != nil {
			log.Printf("[filmcrew] 分镜 %s 变速失败，使用原始素材: %v", shot.ShotID, err)
			adjusted = rawPath
		}
		segments = append(segments, adjusted)
	}

	if len(segments) == 0 {
		log.Printf("[filmcrew] 场景 %s 无可用分镜素材，整体跳过", scene.SceneID)
		return nil, nil
	}

	// 拼接成场景视频
	silent := filepath.Join(tempDir, "scene_silent.mp4")
	if len(segments) == 1 {
		if err := copyFile(segments[0], silent); err != nil {
			return nil, pipelineErr("clip production", err)
		}
	} else {
		if err := c.composer.ConcatVideos(ctx, segments, silent); err != nil {
			return nil, pipelineErr("clip production", err)
		}
	}

	// 混入配音；没有音频就直接用无声片段
	clipPath := filepath.Join(workDir, "clips", scene.SceneID+".mp4")
	if err := os.MkdirAll(filepath.Dir(clipPath), 0o755); err != nil {
		return nil, pipelineErr("clip production", err)
	}
	audioPath := meta.AudioPath
	if audioPath == "" {
		audioPath = scene.AudioPath
	}
	if hasContent(audioPath) {
		if err := c.composer.MergeAudio(ctx, silent, audioPath, clipPath); err != nil {
			return nil, pipelineErr("clip production", err)
		}
	} else {
		if err := copyFile(silent, clipPath); err != nil {
			return nil, pipelineErr("clip production", err)
		}
	}

	// 有词级对齐结果就烧录字幕，失败保留无字幕成片
	asrPath := meta.ASRPath
	if asrPath == "" {
		asrPath = scene.ASRPath
	}
	c.burnSubtitles(ctx, scene.SceneID, asrPath, tempDir, clipPath)

	log.Printf("[filmcrew] 场景 %s 成片完成: %s (%d/%d 分镜)", scene.SceneID, clipPath, len(segments), len(scene.Shots))
	return &SceneClip{
		SceneID:       scene.SceneID,
		ClipPath:      clipPath,
		AssetsCreated: len(segments),
		AudioPath:     audioPath,
		AudioDuration: audioDuration,
	}, nil
}

// burnSubtitles 从 ASR 结果生成 srt 并烧录到成片上。全程尽力而为。
func (c *ClipStage) burnSubtitles(ctx context.Context, sceneID, asrPath, tempDir, clipPath string) {
	if asrPath == "" {
		return
	}
	srtPath := filepath.Join(tempDir, "captions.srt")
	if err := writeSRTFromTranscript(asrPath, srtPath); err != nil {
		log.Printf("[filmcrew] 场景 %s 字幕生成失败（忽略）: %v", sceneID, err)
		return
	}
	subbed := filepath.Join(tempDir, "scene_subtitled.mp4")
	if err := c.composer.OverlaySubtitles(ctx, clipPath, srtPath, subbed); err != nil {
		log.Printf("[filmcrew] 场景 %s 字幕烧录失败（忽略）: %v", sceneID, err)
		return
	}
	if err := os.Rename(subbed, clipPath); err != nil {
		log.Printf("[filmcrew] 场景 %s 字幕成片替换失败（忽略）: %v", sceneID, err)
	}
}

// 每条字幕最多放这么多词，避免单行过长
const srtWordsPerCue = 7

// writeSRTFromTranscript 把词级时间戳切成字幕条目
func writeSRTFromTranscript(asrPath, srtPath string) error {
	b, err := os.ReadFile(asrPath)
	if err != nil {
		return err
	}
	var tr Transcript
	if err := json.Unmarshal(b, &tr); err != nil {
		return err
	}
	if len(tr.Words) == 0 {
		return fmt.Errorf("transcript has no word timestamps")
	}

	var sb strings.Builder
	cue := 1
	for i := 0; i < len(tr.Words); i += srtWordsPerCue {
		end := i + srtWordsPerCue
		if end > len(tr.Words) {
			end = len(tr.Words)
		}
		chunk := tr.Words[i:end]
		words := make([]string, len(chunk))
		for j, w := range chunk {
			words[j] = w.Word
		}
		fmt.Fprintf(&sb, "%d\n%s --> %s\n%s\n\n",
			cue,
			srtTimestamp(chunk[0].Start),
			srtTimestamp(chunk[len(chunk)-1].End),
			strings.Join(words, " "))
		cue++
	}
	return os.WriteFile(srtPath, []byte(sb.String()), 0o644)
}

// srtTimestamp 秒 → HH:MM:SS,mmm
func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// buildVideoPrompt 拼生视频提示词：嵌套 visuals 优先，扁平字段兜底
func buildVideoPrompt(shot *Shot) string {
	desc := shot.VisualDescription
	if desc == "" {
		desc = shot.ShotDescription
	}

	movement := shot.CameraMovement
	angle := shot.CameraAngle
	shotType := shot.ShotType
	lighting := shot.Lighting
	mood := shot.Mood
	if v := shot.Visuals; v != nil {
		if v.Composition.CameraMovement != "" {
			movement = v.Composition.CameraMovement
		}
		if v.Composition.CameraAngle != "" {
			angle = v.Composition.CameraAngle
		}
		if v.Composition.ShotType != "" {
			shotType = v.Composition.ShotType
		}
		if v.Lighting != "" {
			lighting = v.Lighting
		}
		if v.Mood != "" {
			mood = v.Mood
		}
	}

	parts := []string{desc}
	if shotType != "" {
		parts = append(parts, shotType+" shot")
	}
	if angle != "" {
		parts = append(parts, angle+" angle")
	}
	if movement != "" && movement != "static" {
		parts = append(parts, movement+" camera movement")
	}
	if lighting != "" {
		parts = append(parts, lighting+" lighting")
	}
	if mood != "" {
		parts = append(parts, mood+" mood")
	}
	parts = append(parts, "cinematic quality, professional production")
	return strings.Join(parts, ", ")
}

func hasContent(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
