package models

import (
	"time"

	"gorm.io/gorm"
)

// 项目状态常量（与状态文档中的 status 字段保持一致）
const (
	ProjectStatusInitialized = "initialized" // 项目已创建，流水线尚未启动
	ProjectStatusProcessing  = "processing"  // 流水线执行中
	ProjectStatusCompleted   = "completed"   // 成片已生成
	ProjectStatusFailed      = "failed"      // 某阶段不可恢复失败
	ProjectStatusCancelled   = "cancelled"   // 被用户取消
)

// Project 是 MySQL 中的项目索引行，用于列表/分页查询。
// 权威状态在各项目工作目录下的 project_state.json 中，这里只保留查询用的摘要字段。
type Project struct {
    ID           string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
    Prompt       string    `gorm:"type:text" json:"prompt"`
    Status       string    `json:"status"`
    CurrentPhase string    `json:"currentPhase"`
    VideoUrl     string    `json:"videoUrl"`
    Error        string    `gorm:"type:text" json:"error"`
    CreatedAt    time.Time `json:"createdAt"`
    UpdatedAt    time.Time `json:"updatedAt"`
}

func (Project) TableName() string {
    return "project"
}

// Project index CRUD
func CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := DB.Exec(
		`INSERT INTO project (id, prompt, status, current_phase, video_url, error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Prompt, p.Status, p.CurrentPhase, p.VideoUrl, p.Error, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func GetProjectByID(id string) (Project, error) {
	var p Project
	row := DB.QueryRow(`SELECT id, prompt, status, current_phase, video_url, error, created_at, updated_at FROM project WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.Prompt, &p.Status, &p.CurrentPhase, &p.VideoUrl, &p.Error, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// ListProjects 分页查询，按创建时间倒序（最新在前）
func ListProjects(page, pageSize int) ([]Project, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	var total int64
	if err := DB.QueryRow(`SELECT COUNT(*) FROM project`).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	rows, err := DB.Query(`SELECT id, prompt, status, current_phase, video_url, error, created_at, updated_at FROM project ORDER BY created_at DESC LIMIT ? OFFSET ?`, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Prompt, &p.Status, &p.CurrentPhase, &p.VideoUrl, &p.Error, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		res = append(res, p)
	}
	return res, total, rows.Err()
}

func DeleteProjectByID(id string) error {
	_, err := DB.Exec(`DELETE FROM project WHERE id = ?`, id)
	return err
}

// UpdateProjectIndex 流水线状态变化时刷新索引行（尽力而为，权威数据在状态文档）
func (p *Project) UpdateProjectIndex(db *gorm.DB, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(p).Updates(updates).Error
}

// SyncProjectIndex 按 id 更新索引摘要字段
func SyncProjectIndex(db *gorm.DB, id string, status, currentPhase, videoURL, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if currentPhase != "" {
		updates["current_phase"] = currentPhase
	}
	if videoURL != "" {
		updates["video_url"] = videoURL
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	return db.Model(&Project{}).Where("id = ?", id).Updates(updates).Error
}
