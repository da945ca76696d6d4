package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"PromptToVideo-server/config"
)

// 文生视频支持的时长档位（秒）。请求会被钳制/就近取整到该集合。
var supportedClipDurations = []int{4, 6, 8}

// NormalizeClipDuration 把期望时长归一到支持档位：越界先钳制，再取最近值
func NormalizeClipDuration(d float64) int {
	v := int(d + 0.5)
	if v < supportedClipDurations[0] {
		return supportedClipDurations[0]
	}
	if v > supportedClipDurations[len(supportedClipDurations)-1] {
		return supportedClipDurations[len(supportedClipDurations)-1]
	}
	best := supportedClipDurations[0]
	for _, s := range supportedClipDurations {
		if abs(v-s) < abs(v-best) {
			best = s
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// WorkerClient 访问生成 worker 的 HTTP 客户端。
// 文本/语音为同步接口；视频生成是异步 job：提交后按固定间隔轮询，
// 超过上限视为超时失败。所有提交类调用统一重试 N 次、固定间隔。
type WorkerClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	retries      int
	retryDelay   time.Duration
}

func NewWorkerClient(baseURL string, p config.Pipeline) *WorkerClient {
	return &WorkerClient{
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: time.Duration(p.PollIntervalSeconds) * time.Second,
		pollTimeout:  time.Duration(p.PollTimeoutMinutes) * time.Minute,
		retries:      p.CapabilityRetries,
		retryDelay:   time.Duration(p.RetryDelaySeconds) * time.Second,
	}
}

// withRetry 统一的重试策略：固定间隔重试 retries 次（整个代码库只用这一套）
func (w *WorkerClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			log.Printf("[worker] %s 第 %d 次重试...", op, attempt)
			select {
			case <-ctx.Done():
				return capabilityErr(op, ctx.Err())
			case <-time.After(w.retryDelay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return capabilityErr(op, err)
}

func (w *WorkerClient) postJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("worker status code: %d", resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

// GenerateText 同步单次文本生成
func (w *WorkerClient) GenerateText(ctx context.Context, prompt, purpose string) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	err := w.withRetry(ctx, "text generation", func() error {
		return w.postJSON(ctx, "/v1/text", map[string]interface{}{
			"prompt":  prompt,
			"purpose": purpose,
		}, &out)
	})
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// SynthesizeSpeech 合成旁白，产物下载到 outPath
func (w *WorkerClient) SynthesizeSpeech(ctx context.Context, text, voice, outPath string) error {
	var out struct {
		AudioURL string `json:"audio_url"`
	}
	err := w.withRetry(ctx, "speech synthesis", func() error {
		return w.postJSON(ctx, "/v1/tts", map[string]interface{}{
			"text":   text,
			"voice":  voice,
			"format": "mp3",
		}, &out)
	})
	if err != nil {
		return err
	}
	if out.AudioURL == "" {
		return capabilityErr("speech synthesis", fmt.Errorf("response missing audio_url"))
	}
	return w.downloadTo(ctx, out.AudioURL, outPath)
}

// Transcribe 请求词级对齐识别；结果同时写入 outPath 供后续阶段使用
func (w *WorkerClient) Transcribe(ctx context.Context, audioPath, outPath string) (*Transcript, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, capabilityErr("transcription", err)
	}

	var tr Transcript
	err = w.withRetry(ctx, "transcription", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/asr", bytes.NewReader(audio))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "audio/mpeg")
		resp, err := w.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("worker status code: %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&tr)
	})
	if err != nil {
		return nil, err
	}

	if outPath != "" {
		b, err := json.MarshalIndent(tr, "", "  ")
		if err == nil {
			if err := os.WriteFile(outPath, b, 0o644); err != nil {
				log.Printf("[worker] ASR 结果写入失败: %v", err)
			}
		}
	}
	return &tr, nil
}

// GenerateVideo 提交文生视频 job 并轮询至完成，产物下载到 outPath。
// 时长会被归一到支持档位，发生调整时打日志。
func (w *WorkerClient) GenerateVideo(ctx context.Context, req VideoRequest, outPath string) error {
	normalized := NormalizeClipDuration(req.Duration)
	if float64(normalized) != req.Duration {
		log.Printf("[worker] 时长 %.2fs 不在支持档位，调整为 %ds (支持: %v)",
			req.Duration, normalized, supportedClipDurations)
	}

	var submitted struct {
		ID    string `json:"id"`
		JobID string `json:"job_id"`
	}
	err := w.withRetry(ctx, "video generation submit", func() error {
		return w.postJSON(ctx, "/v1/generate", map[string]interface{}{
			"prompt":          req.Prompt,
			"negative_prompt": req.NegativePrompt,
			"duration":        normalized,
			"aspect_ratio":    req.AspectRatio,
		}, &submitted)
	})
	if err != nil {
		return err
	}
	jobID := submitted.ID
	if jobID == "" {
		jobID = submitted.JobID
	}
	if jobID == "" {
		return capabilityErr("video generation submit", fmt.Errorf("response missing 'id'"))
	}

	log.Printf("[worker] 视频生成任务已提交，Job ID: %s，开始轮询结果...", jobID)
	resourceURL, err := w.pollJobResult(ctx, jobID)
	if err != nil {
		return err
	}
	return w.downloadTo(ctx, resourceURL, outPath)
}

// pollJobResult 轮询 GET /v1/jobs/{job_id} 直到终态，返回产物 URL
func (w *WorkerClient) pollJobResult(ctx context.Context, jobID string) (string, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", w.baseURL, jobID)

	timeout := time.After(w.pollTimeout)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return "", capabilityErr("video generation", fmt.Errorf("polling timeout after %s", w.pollTimeout))
		case <-ctx.Done():
			return "", capabilityErr("video generation", fmt.Errorf("polling canceled: %w", ctx.Err()))
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
			if err != nil {
				log.Printf("[worker] 创建请求失败: %v", err)
				continue
			}
			resp, err := w.httpClient.Do(req)
			if err != nil {
				log.Printf("[worker] 轮询网络错误(重试中): %v", err)
				continue
			}

			var job struct {
				Status      string `json:"status"`
				Error       string `json:"error"`
				ResourceURL string `json:"resource_url"`
			}
			err = json.NewDecoder(resp.Body).Decode(&job)
			resp.Body.Close()
			if err != nil {
				log.Printf("[worker] 解析响应失败: %v", err)
				continue
			}

			switch job.Status {
			case "finished", "success", "completed", "succeeded":
				if job.ResourceURL == "" {
					return "", capabilityErr("video generation", fmt.Errorf("job finished without resource_url"))
				}
				return job.ResourceURL, nil
			case "failed", "error":
				return "", capabilityErr("video generation", fmt.Errorf("worker reported failure: %s", job.Error))
			}
			// 其他状态继续轮询
		}
	}
}

func (w *WorkerClient) downloadTo(ctx context.Context, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return capabilityErr("download", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return capabilityErr("download", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return capabilityErr("download", fmt.Errorf("status: %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return capabilityErr("download", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return capabilityErr("download", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return capabilityErr("download", err)
	}
	return nil
}
