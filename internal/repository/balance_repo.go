package repository

import (
	"context"
	"errors"

	"dramastudio/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound    = errors.New("账户不存在")
	ErrInsufficientTokens = errors.New("代币余额不足")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByUserID(ctx context.Context, userID int64) (*model.UserBalance, error) {
	var balance model.UserBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetByUserIDTx 在事务内读取账户（用于写流水时取变动后的快照）
func (r *BalanceRepository) GetByUserIDTx(ctx context.Context, tx *gorm.DB, userID int64) (*model.UserBalance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.UserBalance
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// Reserve 预留代币
//
// 【关键点】可用性校验和预留递增必须是一条条件更新，不能先读后写：
// WHERE balance - reserved >= amount 把"够不够"判断下推到存储层，
// 同一用户的并发预留由数据库的行级原子性串行化
func (r *BalanceRepository) Reserve(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ? AND balance - reserved >= ?", userID, amount).
		Updates(map[string]interface{}{
			"reserved": gorm.Expr("reserved + ?", amount),
			"version":  gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 区分"账户不存在"和"余额不足"
		balance, err := r.GetByUserIDTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance.Available() < amount {
			return ErrInsufficientTokens
		}
		// 条件更新没命中但余额又够，说明并发修改，按余额不足让调用方重试
		return ErrInsufficientTokens
	}

	return nil
}

// ConfirmDeduction 确认扣款（片段生成成功）
// balance 和 reserved 同时减少，累计消耗增加
// reserved 做防御性钳制，不允许减到负数
func (r *BalanceRepository) ConfirmDeduction(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - ?", amount),
			"reserved":       gorm.Expr("CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", amount, amount),
			"total_consumed": gorm.Expr("total_consumed + ?", amount),
			"version":        gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

// RefundReservation 释放预留（片段生成失败）
// 资金从未离开 balance，只解除预留，balance 不变
func (r *BalanceRepository) RefundReservation(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"reserved": gorm.Expr("CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END", amount, amount),
			"version":  gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

// Credit 充值入账（支付系统确认后调用）
func (r *BalanceRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.UserBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", amount),
			"total_purchased": gorm.Expr("total_purchased + ?", amount),
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrBalanceNotFound
	}

	return nil
}

func (r *BalanceRepository) GetOrCreate(ctx context.Context, userID int64) (*model.UserBalance, error) {
	balance, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	newBalance := &model.UserBalance{
		UserID:  userID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
