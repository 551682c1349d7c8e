package model

import (
	"time"
)

// UserBalance 用户代币账户表
// 记录用户的代币余额与预留金额，是整个生成计费系统的核心数据
//
// 【重要】余额约束：0 <= reserved <= balance 在任何事务可见的时刻都成立
// 可用余额 = balance - reserved，新的预留只能从可用余额中扣
type UserBalance struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"uniqueIndex;not null" json:"user_id"`           // 用户ID，由上游登录态解析后传入
	Balance        int64     `gorm:"not null;default:0" json:"balance"`             // 总余额（代币数）
	Reserved       int64     `gorm:"not null;default:0" json:"reserved"`            // 预留金额（生成中任务占用）
	TotalPurchased int64     `gorm:"not null;default:0" json:"total_purchased"`     // 累计充值（只增不减）
	TotalConsumed  int64     `gorm:"not null;default:0" json:"total_consumed"`      // 累计消耗（只增不减）
	Version        int       `gorm:"not null;default:0" json:"version"`             // 乐观锁版本号
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserBalance) TableName() string {
	return "user_balance"
}

// Available 可用余额（未被生成任务预留的部分）
func (b *UserBalance) Available() int64 {
	return b.Balance - b.Reserved
}
