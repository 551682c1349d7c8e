package model

import (
	"time"
)

// ============================================================================
// 代币流水类型常量
// ============================================================================

const (
	TokenTransactionTypeRecharge = "RECHARGE" // 充值入账（支付系统回调）
	TokenTransactionTypeReserve  = "RESERVE"  // 提交生成时预留
	TokenTransactionTypeConsume  = "CONSUME"  // 生成成功扣减
	TokenTransactionTypeRelease  = "RELEASE"  // 生成失败释放预留
)

// ============================================================================
// 代币流水实体
// ============================================================================

// TokenTransaction 代币流水表
// 记录账户的每一次资金变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 资金类流水必须关联片段ID —— 便于排查某次生成的扣费
// 3. 记录变动后的余额/预留快照 —— 便于校验账户一致性
type TokenTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	SegmentID     int64     `gorm:"index" json:"segment_id"`                                     // 关联片段ID，充值流水为 0
	Amount        int64     `gorm:"not null" json:"amount"`                                      // 变动代币数（始终为正，方向看类型）
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`                               // 变动后总余额
	ReservedAfter int64     `gorm:"not null" json:"reserved_after"`                              // 变动后预留金额
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (TokenTransaction) TableName() string {
	return "token_transaction"
}
