package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FFmpegComposer 基于本地 ffmpeg/ffprobe 的媒体合成实现
type FFmpegComposer struct{}

func NewFFmpegComposer() *FFmpegComposer {
	return &FFmpegComposer{}
}

func (c *FFmpegComposer) run(ctx context.Context, op string, args ...string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", append([]string{"-y"}, args...)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return capabilityErr(op, fmt.Errorf("ffmpeg: %w: %s", err, tail))
	}
	return nil
}

// CutVideo 截取 [start, end) 片段
func (c *FFmpegComposer) CutVideo(ctx context.Context, inPath, outPath string, start, end float64) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("cut video", err)
	}
	return c.run(ctx, "cut video",
		"-i", inPath,
		"-ss", fmt.Sprintf("%.3f", start),
		"-to", fmt.Sprintf("%.3f", end),
		"-c:v", "libx264", "-c:a", "aac",
		outPath,
	)
}

// AdjustDuration 按比例变速，使输出时长等于 targetSeconds
func (c *FFmpegComposer) AdjustDuration(ctx context.Context, inPath, outPath string, targetSeconds float64) error {
	src, err := c.ProbeDuration(ctx, inPath)
	if err != nil {
		return err
	}
	if targetSeconds <= 0 || src <= 0 {
		return capabilityErr("adjust duration", fmt.Errorf("invalid durations: src=%.2f target=%.2f", src, targetSeconds))
	}

	// setpts 的系数 = 目标/源：>1 放慢，<1 加快
	factor := targetSeconds / src
	log.Printf("[ffmpeg] 变速: %.2fs → %.2fs (factor=%.3f)", src, targetSeconds, factor)

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("adjust duration", err)
	}
	return c.run(ctx, "adjust duration",
		"-i", inPath,
		"-filter:v", fmt.Sprintf("setpts=%.6f*PTS", factor),
		"-an", // 生成素材无可用音轨，旁白在合成时单独混入
		"-c:v", "libx264",
		outPath,
	)
}

// ConcatVideos 用 concat demuxer 按序拼接
func (c *FFmpegComposer) ConcatVideos(ctx context.Context, inPaths []string, outPath string) error {
	if len(inPaths) == 0 {
		return capabilityErr("concat videos", fmt.Errorf("no input videos"))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("concat videos", err)
	}

	listFile := outPath + ".concat.txt"
	var lines []string
	for _, p := range inPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		lines = append(lines, fmt.Sprintf("file '%s'", abs))
	}
	if err := os.WriteFile(listFile, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return capabilityErr("concat videos", err)
	}
	defer os.Remove(listFile)

	return c.run(ctx, "concat videos",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
		"-c", "copy",
		outPath,
	)
}

// MergeAudio 把旁白音轨合到视频上（以较短者为准收尾）
func (c *FFmpegComposer) MergeAudio(ctx context.Context, videoPath, audioPath, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("merge audio", err)
	}
	return c.run(ctx, "merge audio",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)
}

// OverlaySubtitles 烧录字幕（srt 路径中的逗号和冒号需转义给 filter）
func (c *FFmpegComposer) OverlaySubtitles(ctx context.Context, videoPath, srtPath, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("overlay subtitles", err)
	}
	escaped := strings.NewReplacer(`\`, `\\`, ":", `\:`, "'", `\'`, ",", `\,`).Replace(srtPath)
	return c.run(ctx, "overlay subtitles",
		"-i", videoPath,
		"-vf", fmt.Sprintf("subtitles='%s'", escaped),
		"-c:a", "copy",
		outPath,
	)
}

// ProbeDuration 用 ffprobe 实测媒体时长（秒）
func (c *FFmpegComposer) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, capabilityErr("probe duration", err)
	}
	var dur float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &dur); err != nil {
		return 0, capabilityErr("probe duration", err)
	}
	return dur, nil
}
