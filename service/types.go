package service

import "time"

// 流水线阶段名（固定集合，不做运行时注册）
const (
	PhaseStory         = "story"          // 脚本生成
	PhaseVoice         = "voice"          // 旁白合成（先于分镜，音频优先）
	PhaseStoryboard    = "storyboard"     // 分镜规划（使用实测音频时长）
	PhaseClips         = "clips"          // 逐场景成片
	PhaseFinalAssembly = "final_assembly" // 成片拼接
)

// PhaseOrder 即执行顺序。音频在分镜之前是本系统的核心设计：
// 镜头时长由实测旁白时长推导，而不是脚本里的估算值。
var PhaseOrder = []string{PhaseStory, PhaseVoice, PhaseStoryboard, PhaseClips, PhaseFinalAssembly}

// 阶段状态
const (
	PhaseStatusPending    = "pending"
	PhaseStatusInProgress = "in_progress"
	PhaseStatusCompleted  = "completed"
	PhaseStatusFailed     = "failed"
)

// 项目状态。completed/failed/cancelled 为终态，进入后状态文档冻结
const (
	StatusInitialized = "initialized"
	StatusProcessing  = "processing"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// 加权进度：clips 占大头（生成视频最耗时）
var phaseWeights = map[string]float64{
	PhaseStory:      0.2,
	PhaseVoice:      0.1,
	PhaseStoryboard: 0.2,
	PhaseClips:      0.5,
}

// ProjectState 是每个项目的权威状态文档（project_state.json）
type ProjectState struct {
	ProjectID    string                  `json:"project_id"`
	Status       string                  `json:"status"`
	CurrentPhase string                  `json:"current_phase,omitempty"`
	UserInput    string                  `json:"user_input,omitempty"`
	Phases       map[string]*PhaseRecord `json:"phases"`
	Scenes       []Scene                 `json:"scenes,omitempty"`
	FinalOutput  map[string]interface{}  `json:"final_output,omitempty"`
	Error        string                  `json:"error,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

type PhaseRecord struct {
	Status      string                 `json:"status"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// HistoryEntry 审计日志行（history.jsonl，只追加不改写）
type HistoryEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Agent     string                 `json:"agent"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Script 脚本阶段产物
type Script struct {
	Topic         string  `json:"topic"`
	Style         string  `json:"style"`
	TotalDuration float64 `json:"total_duration"`
	Scenes        []Scene `json:"scenes"`
}

// Scene 叙事单元。Duration 是脚本阶段的估算值，AudioDuration 是旁白合成后
// 的实测值——一旦写入，后续所有时长计算（镜头规划、片段变速）只认实测值。
type Scene struct {
	SceneID          string  `json:"scene_id"`
	SceneDescription string  `json:"scene_description"`
	VoiceOverText    string  `json:"voice_over_text"`
	Duration         float64 `json:"duration"`
	AudioDuration    float64 `json:"audio_duration,omitempty"`
	Mood             string  `json:"mood,omitempty"`
	VisualStyle      string  `json:"visual_style,omitempty"`
	Shots            []Shot  `json:"shots,omitempty"`
	AudioPath        string  `json:"audio_path,omitempty"`
	ASRPath          string  `json:"asr_path,omitempty"`
	ClipPath         string  `json:"clip_path,omitempty"`
	Status           string  `json:"status,omitempty"`
}

// AuthoritativeDuration 实测音频时长优先于脚本估算
func (s *Scene) AuthoritativeDuration() float64 {
	if s.AudioDuration > 0 {
		return s.AudioDuration
	}
	return s.Duration
}

// Shot 场景内最小可调度单元。同时保留嵌套 visuals 结构和旧版扁平字段，
// 生成提示词时嵌套字段优先、扁平字段兜底。
type Shot struct {
	ShotID            string       `json:"shot_id"`
	ShotDescription   string       `json:"shot_description,omitempty"`
	VisualDescription string       `json:"visual_description,omitempty"`
	VoiceOverCue      string       `json:"voice_over_cue,omitempty"`
	Duration          float64      `json:"duration"`
	Visuals           *ShotVisuals `json:"visuals,omitempty"`

	// 旧版扁平字段
	CameraMovement string `json:"camera_movement,omitempty"`
	CameraAngle    string `json:"camera_angle,omitempty"`
	ShotType       string `json:"shot_type,omitempty"`
	Lighting       string `json:"lighting,omitempty"`
	Mood           string `json:"mood,omitempty"`
}

type ShotVisuals struct {
	Composition  ShotComposition `json:"composition"`
	Lighting     string          `json:"lighting,omitempty"`
	Mood         string          `json:"mood,omitempty"`
	ColorPalette string          `json:"color_palette,omitempty"`
}

type ShotComposition struct {
	ShotType       string `json:"shot_type,omitempty"`
	CameraAngle    string `json:"camera_angle,omitempty"`
	CameraMovement string `json:"camera_movement,omitempty"`
}

// AudioMetadata 旁白阶段每个场景的产出
type AudioMetadata struct {
	SceneID    string  `json:"scene_id"`
	AudioPath  string  `json:"audio_path"`
	ASRPath    string  `json:"asr_path,omitempty"`
	Duration   float64 `json:"duration"`
	TextLength int     `json:"text_length"`
	WordCount  int     `json:"word_count"`
}

// SceneClip 成片阶段每个场景的产出
type SceneClip struct {
	SceneID       string  `json:"scene_id"`
	ClipPath      string  `json:"clip_path"`
	AssetsCreated int     `json:"assets_created"`
	AudioPath     string  `json:"audio_path,omitempty"`
	AudioDuration float64 `json:"audio_duration"`
}

// Transcript 语音识别（词级时间戳）结果
type Transcript struct {
	Text  string           `json:"text"`
	Words []TranscriptWord `json:"words,omitempty"`
}

type TranscriptWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ---- 状态文档的局部更新 ----

// StateUpdate 类型化的部分更新：已知嵌套字段（phases/scenes）递归合并，
// 其余标量字段只在置位时替换。替代无类型 map 的 deep-merge。
type StateUpdate struct {
	Status       string
	CurrentPhase *string
	UserInput    string
	Error        string
	FinalOutput  map[string]interface{}
	Phases       map[string]PhaseUpdate
	Scenes       []SceneUpdate
}

type PhaseUpdate struct {
	Status      string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Output      map[string]interface{}
	Error       string
}

// SceneUpdate 按 scene_id 合并：已存在则更新置位字段，不存在则追加
type SceneUpdate struct {
	SceneID       string
	Scene         *Scene // 整体写入（脚本阶段）
	AudioPath     string
	ASRPath       string
	ClipPath      string
	Status        string
	AudioDuration float64
	Shots         []Shot
}
