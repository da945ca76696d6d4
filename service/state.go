package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	stateFileName   = "project_state.json"
	historyFileName = "history.jsonl"
)

// StateStore 管理单个项目的持久化状态：
//   - project_state.json  权威状态文档（每次变更同步落盘后才算"已记录"）
//   - history.jsonl       只追加审计日志（尽力而为，失败不影响状态变更）
//
// 同进程内并发合并用互斥锁串行化，合并按调用顺序生效。
type StateStore struct {
	projectID   string
	dir         string
	stateFile   string
	historyFile string

	mu sync.Mutex
}

// ProjectWorkspaceDir 项目工作区路径（不创建目录）
func ProjectWorkspaceDir(workspaceRoot, projectID string) string {
	return filepath.Join(workspaceRoot, projectID)
}

// NewStateStore 打开（或初始化）项目状态。幂等：状态文件已存在时只读回，
// 不会覆盖——重启后不丢数据。
func NewStateStore(workspaceRoot, projectID string) (*StateStore, error) {
	dir := ProjectWorkspaceDir(workspaceRoot, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, stateErr("create workspace dir", err)
	}

	s := &StateStore{
		projectID:   projectID,
		dir:         dir,
		stateFile:   filepath.Join(dir, stateFileName),
		historyFile: filepath.Join(dir, historyFileName),
	}

	if _, err := os.Stat(s.stateFile); os.IsNotExist(err) {
		if err := s.initState(); err != nil {
			return nil, err
		}
		log.Printf("[state] 初始化项目状态: %s", projectID)
	}
	return s, nil
}

// Dir 项目工作目录（音频/片段等产物都落在这里）
func (s *StateStore) Dir() string {
	return s.dir
}

func (s *StateStore) ProjectID() string {
	return s.projectID
}

func (s *StateStore) initState() error {
	now := time.Now()
	state := &ProjectState{
		ProjectID: s.projectID,
		Status:    StatusInitialized,
		Phases:    make(map[string]*PhaseRecord, len(PhaseOrder)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, name := range PhaseOrder {
		state.Phases[name] = &PhaseRecord{Status: PhaseStatusPending}
	}
	return s.writeState(state)
}

// GetState 读取当前状态。文件缺失时自愈（重新初始化），解析失败返回 StateError。
func (s *StateStore) GetState() (*ProjectState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getStateLocked()
}

func (s *StateStore) getStateLocked() (*ProjectState, error) {
	b, err := os.ReadFile(s.stateFile)
	if os.IsNotExist(err) {
		log.Printf("[state] 状态文件丢失，重新初始化: %s", s.projectID)
		if err := s.initState(); err != nil {
			return nil, err
		}
		b, err = os.ReadFile(s.stateFile)
		if err != nil {
			return nil, stateErr("read state", err)
		}
	} else if err != nil {
		return nil, stateErr("read state", err)
	}

	var state ProjectState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, stateErr("decode state file", err)
	}
	if state.Phases == nil {
		state.Phases = make(map[string]*PhaseRecord)
	}
	return &state, nil
}

// writeState 先写临时文件再 rename，避免半写状态
func (s *StateStore) writeState(state *ProjectState) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return stateErr("encode state", err)
	}
	tmp := s.stateFile + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return stateErr("write state", err)
	}
	if err := os.Rename(tmp, s.stateFile); err != nil {
		return stateErr("rename state", err)
	}
	return nil
}

// MergeUpdate 将部分更新合并进状态文档并同步落盘。
// updated_at 每次变更都会刷新，且不回退。
func (s *StateStore) MergeUpdate(u StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(u)
}

func (s *StateStore) mergeLocked(u StateUpdate) error {
	state, err := s.getStateLocked()
	if err != nil {
		return err
	}
	applyUpdate(state, u)
	return s.writeState(state)
}

func applyUpdate(state *ProjectState, u StateUpdate) {
	if u.Status != "" {
		state.Status = u.Status
	}
	if u.CurrentPhase != nil {
		state.CurrentPhase = *u.CurrentPhase
	}
	if u.UserInput != "" {
		state.UserInput = u.UserInput
	}
	if u.Error != "" {
		state.Error = u.Error
	}
	if u.FinalOutput != nil {
		state.FinalOutput = u.FinalOutput
	}

	for name, pu := range u.Phases {
		rec, ok := state.Phases[name]
		if !ok {
			rec = &PhaseRecord{Status: PhaseStatusPending}
			state.Phases[name] = rec
		}
		if pu.Status != "" {
			rec.Status = pu.Status
		}
		if pu.StartedAt != nil {
			rec.StartedAt = pu.StartedAt
		}
		if pu.CompletedAt != nil {
			rec.CompletedAt = pu.CompletedAt
		}
		if pu.Output != nil {
			rec.Output = pu.Output
		}
		if pu.Error != "" {
			rec.Error = pu.Error
		}
	}

	for _, su := range u.Scenes {
		applySceneUpdate(state, su)
	}

	now := time.Now()
	if now.Before(state.UpdatedAt) {
		now = state.UpdatedAt
	}
	state.UpdatedAt = now
}

func applySceneUpdate(state *ProjectState, su SceneUpdate) {
	for i := range state.Scenes {
		if state.Scenes[i].SceneID != su.SceneID {
			continue
		}
		sc := &state.Scenes[i]
		if su.Scene != nil {
			*sc = *su.Scene
			sc.SceneID = su.SceneID
		}
		if su.AudioPath != "" {
			sc.AudioPath = su.AudioPath
		}
		if su.ASRPath != "" {
			sc.ASRPath = su.ASRPath
		}
		if su.ClipPath != "" {
			sc.ClipPath = su.ClipPath
		}
		if su.Status != "" {
			sc.Status = su.Status
		}
		if su.AudioDuration > 0 {
			sc.AudioDuration = su.AudioDuration
		}
		if su.Shots != nil {
			sc.Shots = su.Shots
		}
		return
	}

	// 不存在则追加
	sc := Scene{SceneID: su.SceneID}
	if su.Scene != nil {
		sc = *su.Scene
		sc.SceneID = su.SceneID
	}
	if su.AudioPath != "" {
		sc.AudioPath = su.AudioPath
	}
	if su.ASRPath != "" {
		sc.ASRPath = su.ASRPath
	}
	if su.ClipPath != "" {
		sc.ClipPath = su.ClipPath
	}
	if su.Status != "" {
		sc.Status = su.Status
	}
	if su.AudioDuration > 0 {
		sc.AudioDuration = su.AudioDuration
	}
	if su.Shots != nil {
		sc.Shots = su.Shots
	}
	state.Scenes = append(state.Scenes, sc)
}

// ---- 阶段状态机 ----

func phaseTerminal(status string) bool {
	return status == PhaseStatusCompleted || status == PhaseStatusFailed
}

func projectTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// StartPhase 将阶段置为 in_progress。约束：
//   - 项目已终态后不再接受任何阶段转移
//   - completed/failed 的阶段实例不可重启
//   - 任一时刻至多一个阶段 in_progress
func (s *StateStore) StartPhase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.getStateLocked()
	if err != nil {
		return err
	}
	if projectTerminal(state.Status) {
		return stateErr("start phase "+name, fmt.Errorf("project already %s", state.Status))
	}
	rec, ok := state.Phases[name]
	if !ok {
		return stateErr("start phase", fmt.Errorf("unknown phase: %s", name))
	}
	if phaseTerminal(rec.Status) {
		return stateErr("start phase "+name, fmt.Errorf("phase already %s", rec.Status))
	}
	for other, r := range state.Phases {
		if other != name && r.Status == PhaseStatusInProgress {
			return stateErr("start phase "+name, fmt.Errorf("phase %s still in_progress", other))
		}
	}

	now := time.Now()
	if err := s.mergeLocked(StateUpdate{
		CurrentPhase: strptr(name),
		Phases: map[string]PhaseUpdate{
			name: {Status: PhaseStatusInProgress, StartedAt: &now},
		},
	}); err != nil {
		return err
	}
	s.appendHistoryLocked(name, "phase_started", nil)
	return nil
}

// CompletePhase 将阶段置为 completed 并记录产物。
// 对未 in_progress 的阶段调用属于调用方 bug：记日志但不破坏状态。
func (s *StateStore) CompletePhase(name string, output map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.getStateLocked()
	if err != nil {
		return err
	}
	rec, ok := state.Phases[name]
	if !ok {
		return stateErr("complete phase", fmt.Errorf("unknown phase: %s", name))
	}
	if phaseTerminal(rec.Status) {
		log.Printf("[state] complete_phase(%s) 被忽略：阶段已 %s", name, rec.Status)
		return stateErr("complete phase "+name, fmt.Errorf("phase already %s", rec.Status))
	}
	if rec.Status != PhaseStatusInProgress {
		log.Printf("[state] 调用方 bug: complete_phase(%s) 但阶段未启动 (status=%s)", name, rec.Status)
	}

	now := time.Now()
	if err := s.mergeLocked(StateUpdate{
		Phases: map[string]PhaseUpdate{
			name: {Status: PhaseStatusCompleted, CompletedAt: &now, Output: output},
		},
	}); err != nil {
		return err
	}
	s.appendHistoryLocked(name, "phase_completed", output)
	return nil
}

// FailPhase 将阶段置为 failed。不会联动项目状态——是否终止流水线由 Orchestrator 决定。
func (s *StateStore) FailPhase(name string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.getStateLocked()
	if err != nil {
		return err
	}
	rec, ok := state.Phases[name]
	if !ok {
		return stateErr("fail phase", fmt.Errorf("unknown phase: %s", name))
	}
	if phaseTerminal(rec.Status) {
		log.Printf("[state] fail_phase(%s) 被忽略：阶段已 %s", name, rec.Status)
		return stateErr("fail phase "+name, fmt.Errorf("phase already %s", rec.Status))
	}
	if rec.Status != PhaseStatusInProgress {
		log.Printf("[state] 调用方 bug: fail_phase(%s) 但阶段未启动 (status=%s)", name, rec.Status)
	}

	now := time.Now()
	if err := s.mergeLocked(StateUpdate{
		Phases: map[string]PhaseUpdate{
			name: {Status: PhaseStatusFailed, CompletedAt: &now, Error: errMsg},
		},
	}); err != nil {
		return err
	}
	s.appendHistoryLocked(name, "phase_failed", map[string]interface{}{"error": errMsg})
	return nil
}

// SetFinalOutput 写入成片产物并将项目置为 completed
func (s *StateStore) SetFinalOutput(output map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mergeLocked(StateUpdate{
		Status:       StatusCompleted,
		CurrentPhase: strptr(""),
		FinalOutput:  output,
	}); err != nil {
		return err
	}
	s.appendHistoryLocked("orchestrator", "project_completed", output)
	return nil
}

// ---- 审计日志 ----

// AppendHistory 追加一条审计记录。只追加、失败只记日志不上抛——
// 审计写入失败不应让触发它的状态变更失败。
func (s *StateStore) AppendHistory(agent, action string, data map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistoryLocked(agent, action, data)
}

func (s *StateStore) appendHistoryLocked(agent, action string, data map[string]interface{}) {
	entry := HistoryEntry{
		Timestamp: time.Now(),
		Agent:     agent,
		Action:    action,
		Data:      data,
	}
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[state] 审计记录编码失败: %v", err)
		return
	}
	f, err := os.OpenFile(s.historyFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[state] 审计日志打开失败: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		log.Printf("[state] 审计日志写入失败: %v", err)
	}
}

// GetHistory 按写入顺序读取审计记录，agent 为空则返回全部
func (s *StateStore) GetHistory(agent string) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.historyFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, stateErr("read history", err)
	}

	var entries []HistoryEntry
	dec := json.NewDecoder(bytes.NewReader(b))
	for dec.More() {
		var e HistoryEntry
		if err := dec.Decode(&e); err != nil {
			log.Printf("[state] 跳过损坏的审计记录: %v", err)
			break
		}
		if agent == "" || e.Agent == agent {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func strptr(s string) *string {
	return &s
}
