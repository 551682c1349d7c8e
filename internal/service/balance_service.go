package service

import (
	"context"
	"errors"
	"fmt"

	"dramastudio/internal/model"
	"dramastudio/internal/repository"
	"dramastudio/pkg/idgen"

	"gorm.io/gorm"
)

type BalanceService struct {
	db              *gorm.DB
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
}

func NewBalanceService(db *gorm.DB) *BalanceService {
	return &BalanceService{
		db:              db,
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

func (s *BalanceService) GetBalance(ctx context.Context, userID int64) (*model.UserBalance, error) {
	return s.balanceRepo.GetOrCreate(ctx, userID)
}

// Credit 充值入账
// 由支付系统在收款确认后调用，本服务只消费它的结果，从不发起收款
func (s *BalanceService) Credit(ctx context.Context, userID, amount int64) error {
	if amount <= 0 {
		return errors.New("充值金额必须大于0")
	}

	if _, err := s.balanceRepo.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.balanceRepo.Credit(ctx, tx, userID, amount); err != nil {
			return fmt.Errorf("充值入账失败: %w", err)
		}

		balance, err := s.balanceRepo.GetByUserIDTx(ctx, tx, userID)
		if err != nil {
			return fmt.Errorf("读取账户快照失败: %w", err)
		}

		trans := &model.TokenTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Amount:        amount,
			Type:          model.TokenTransactionTypeRecharge,
			BalanceAfter:  balance.Balance,
			ReservedAfter: balance.Reserved,
			Remark:        "充值-" + idgen.GenerateRechargeNo(),
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		return nil
	})
}

func (s *BalanceService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.TokenTransaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}
