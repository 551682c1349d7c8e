package model

import (
	"time"
)

const (
	SegmentStatusPending    = "PENDING"    // 已创建，未提交生成
	SegmentStatusSubmitted  = "SUBMITTED"  // 已预留代币并提交给生成服务商
	SegmentStatusGenerating = "GENERATING" // 服务商正在生成
	SegmentStatusDone       = "DONE"       // 生成成功（终态）
	SegmentStatusFailed     = "FAILED"     // 生成失败（终态）
)

// ActiveSegmentStatuses 非终态且可对账的状态集合
// 条件更新（CAS）的 WHERE 子句只允许从这两个状态发生迁移
var ActiveSegmentStatuses = []string{
	SegmentStatusSubmitted,
	SegmentStatusGenerating,
}

var validSegmentTransitions = map[string][]string{
	SegmentStatusPending:    {SegmentStatusSubmitted, SegmentStatusFailed},
	SegmentStatusSubmitted:  {SegmentStatusGenerating, SegmentStatusDone, SegmentStatusFailed},
	SegmentStatusGenerating: {SegmentStatusDone, SegmentStatusFailed},
}

func CanSegmentTransition(currentStatus, targetStatus string) bool {
	allowed, exists := validSegmentTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalSegmentStatus 终态判断，终态之后执行字段不再变化
func IsTerminalSegmentStatus(status string) bool {
	return status == SegmentStatusDone || status == SegmentStatusFailed
}

// Segment 分镜片段表
// 一条记录对应服务商的一个视频生成任务，挂在某部作品的某一集下
//
// 【重要】位置唯一性：(work_id, episode_no, position) 组合唯一
// 插入和整体重排必须通过两阶段换位在单个事务内完成，
// 任何外部读事务都不能观察到重复的 position
type Segment struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkID         int64      `gorm:"uniqueIndex:uk_work_episode_position,priority:1;not null" json:"work_id"`
	EpisodeNo      int        `gorm:"uniqueIndex:uk_work_episode_position,priority:2;not null" json:"episode_no"`
	Position       int        `gorm:"uniqueIndex:uk_work_episode_position,priority:3;not null" json:"position"`
	Prompt         string     `gorm:"type:text;not null" json:"prompt"`                        // 生成提示词
	ShotType       string     `gorm:"type:varchar(32)" json:"shot_type"`                       // 镜头类型（远景/近景/特写等）
	ModelName      string     `gorm:"type:varchar(64)" json:"model_name"`                      // 请求的生成模型
	DurationSec    int        `gorm:"not null;default:0" json:"duration_sec"`                  // 请求的视频时长（秒）
	Status         string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ProviderTaskID string     `gorm:"type:varchar(128);index" json:"provider_task_id"`         // 服务商任务ID，提交后写入
	ResultURL      string     `gorm:"type:varchar(512)" json:"result_url"`                     // 生成结果视频地址
	ErrorMessage   string     `gorm:"type:varchar(512)" json:"error_message"`
	TokenCost      *int64     `json:"token_cost"`                                              // 代币成本；nil=未定价，0=免费任务
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Segment) TableName() string {
	return "work_segment"
}

// Pollable 是否可向服务商查询状态
// 没有服务商任务ID或模型未知的片段无法查询，跳过
func (s *Segment) Pollable() bool {
	if s.Status != SegmentStatusSubmitted && s.Status != SegmentStatusGenerating {
		return false
	}
	return s.ProviderTaskID != "" && s.ModelName != ""
}

// HasCost 是否需要结算
// 成本为空或为 0 的片段没有资金流动，结算直接跳过
func (s *Segment) HasCost() bool {
	return s.TokenCost != nil && *s.TokenCost > 0
}
