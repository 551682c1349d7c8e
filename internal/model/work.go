package model

import (
	"time"
)

// Work 作品表
// 分镜片段的父记录，片段不直接存用户ID，结算时通过作品解析归属
type Work struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64     `gorm:"index;not null" json:"user_id"` // 作品归属用户
	Title        string    `gorm:"type:varchar(128);not null" json:"title"`
	Description  string    `gorm:"type:varchar(512)" json:"description"`
	EpisodeCount int       `gorm:"not null;default:1" json:"episode_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Work) TableName() string {
	return "work"
}
