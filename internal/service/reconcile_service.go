package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"dramastudio/internal/config"
	"dramastudio/internal/model"
	"dramastudio/internal/provider"
	"dramastudio/internal/repository"
	"dramastudio/pkg/idgen"

	"gorm.io/gorm"
)

// GenerationProvider 视频生成服务商的最小抽象
// 对账和提交只依赖这两个方法，测试用假实现替换
type GenerationProvider interface {
	Submit(ctx context.Context, req *provider.SubmitRequest) (string, error)
	QueryTask(ctx context.Context, taskID string) (*provider.TaskResult, error)
}

// ============================================================================
// 对账服务
// ============================================================================
//
// 职责：把本地片段状态和服务商的视图拉齐，每次状态迁移恰好发生一次，
// 即使多个轮询请求（多端同时查状态、后台任务、列表接口）并发触发对账。
//
// 【关键点】恰好一次不靠锁，靠条件更新：
//  1. 查询服务商得到新状态（网络调用期间不持有任何锁）
//  2. "UPDATE ... WHERE id = ? AND status IN (SUBMITTED, GENERATING)"
//  3. RowsAffected == 1 的调用者是唯一赢家，只有赢家结算代币
//  4. RowsAffected == 0 说明别人已经完成迁移（或片段已终态），静默跳过
//
// 条件更新和结算在同一个数据库事务内提交，状态落库和资金变动同生共死。

type ReconcileService struct {
	db              *gorm.DB
	cfg             *config.Config
	provider        GenerationProvider
	workRepo        *repository.WorkRepository
	segmentRepo     *repository.SegmentRepository
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
}

func NewReconcileService(db *gorm.DB, cfg *config.Config, prov GenerationProvider) *ReconcileService {
	return &ReconcileService{
		db:              db,
		cfg:             cfg,
		provider:        prov,
		workRepo:        repository.NewWorkRepository(db),
		segmentRepo:     repository.NewSegmentRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// mapProviderStatus 服务商状态 -> 本地状态
func mapProviderStatus(providerStatus string) (string, bool) {
	switch providerStatus {
	case provider.TaskStatusQueued:
		return model.SegmentStatusSubmitted, true
	case provider.TaskStatusProcessing:
		return model.SegmentStatusGenerating, true
	case provider.TaskStatusSucceeded:
		return model.SegmentStatusDone, true
	case provider.TaskStatusFailed:
		return model.SegmentStatusFailed, true
	default:
		return "", false
	}
}

// ReconcileScope 对账某作品（某一集）下所有可查询片段
// 返回发生了状态迁移的片段数
func (s *ReconcileService) ReconcileScope(ctx context.Context, workID int64, episodeNo int) (int, error) {
	segments, err := s.segmentRepo.ListPollableByScope(ctx, workID, episodeNo)
	if err != nil {
		return 0, fmt.Errorf("查询待对账片段失败: %w", err)
	}
	if len(segments) == 0 {
		return 0, nil
	}

	// 片段不直接存归属用户，整批只解析一次作品
	work, err := s.workRepo.GetByID(ctx, workID)
	if err != nil {
		return 0, fmt.Errorf("解析作品归属失败: %w", err)
	}

	return s.reconcileBatch(ctx, segments, map[int64]int64{workID: work.UserID}), nil
}

// ReconcileAll 全局对账（后台轮询任务入口）
func (s *ReconcileService) ReconcileAll(ctx context.Context, limit int) (int, error) {
	segments, err := s.segmentRepo.ListPollable(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("查询待对账片段失败: %w", err)
	}
	if len(segments) == 0 {
		return 0, nil
	}

	// 归属解析按作品去重，一个作品只查一次
	owners := make(map[int64]int64)
	for _, seg := range segments {
		if _, ok := owners[seg.WorkID]; ok {
			continue
		}
		work, err := s.workRepo.GetByID(ctx, seg.WorkID)
		if err != nil {
			log.Printf("[Reconcile] 解析作品归属失败: workID=%d, err=%v", seg.WorkID, err)
			continue
		}
		owners[seg.WorkID] = work.UserID
	}

	return s.reconcileBatch(ctx, segments, owners), nil
}

// reconcileBatch 逐个对账，单个片段失败不中断整批（部分失败隔离）
func (s *ReconcileService) reconcileBatch(ctx context.Context, segments []*model.Segment, owners map[int64]int64) int {
	changed := 0
	for _, seg := range segments {
		ownerID, ok := owners[seg.WorkID]
		if !ok {
			continue
		}
		transitioned, err := s.reconcileSegment(ctx, ownerID, seg)
		if err != nil {
			// 服务商瞬时错误：状态不变，片段下一轮仍是对账候选
			log.Printf("[Reconcile] 对账失败: segmentID=%d, taskID=%s, err=%v", seg.ID, seg.ProviderTaskID, err)
			continue
		}
		if transitioned {
			changed++
		}
	}
	return changed
}

func (s *ReconcileService) reconcileSegment(ctx context.Context, ownerID int64, seg *model.Segment) (bool, error) {
	result, err := s.provider.QueryTask(ctx, seg.ProviderTaskID)
	if err != nil {
		return false, err
	}

	newStatus, known := mapProviderStatus(result.Status)
	if !known {
		return false, fmt.Errorf("服务商返回未知状态: %s", result.Status)
	}

	if newStatus == seg.Status {
		return false, nil
	}

	return s.applyTransition(ctx, ownerID, seg, newStatus, result.VideoURL, result.ErrorMessage)
}

// FailSegment 把片段推进到失败终态并释放预留
// 供提交失败回滚和超时补偿任务复用，走同一条 CAS + 结算路径
func (s *ReconcileService) FailSegment(ctx context.Context, ownerID int64, seg *model.Segment, reason string) (bool, error) {
	return s.applyTransition(ctx, ownerID, seg, model.SegmentStatusFailed, "", reason)
}

// applyTransition 在一个事务内完成：条件更新 -> （赢家且终态时）结算 -> 发件箱
func (s *ReconcileService) applyTransition(ctx context.Context, ownerID int64, seg *model.Segment, newStatus, resultURL, errorMessage string) (bool, error) {
	var won bool

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		won, err = s.segmentRepo.AdvanceStatus(ctx, tx, seg.ID, newStatus, resultURL, errorMessage)
		if err != nil {
			return fmt.Errorf("更新片段状态失败: %w", err)
		}
		if !won {
			// 并发的对账请求已经完成了这次迁移，本调用者不再做任何事
			return nil
		}

		if !model.IsTerminalSegmentStatus(newStatus) {
			return nil
		}

		// 结算：只有赢家走到这里，每次终态迁移恰好结算一次
		// 无成本片段没有资金流动，结算整体跳过
		if seg.HasCost() {
			cost := *seg.TokenCost
			switch newStatus {
			case model.SegmentStatusDone:
				if err := s.balanceRepo.ConfirmDeduction(ctx, tx, ownerID, cost); err != nil {
					return fmt.Errorf("确认扣款失败: %w", err)
				}
				if err := s.recordTransaction(ctx, tx, ownerID, seg.ID, cost, model.TokenTransactionTypeConsume, "生成成功扣减"); err != nil {
					return err
				}
			case model.SegmentStatusFailed:
				if err := s.balanceRepo.RefundReservation(ctx, tx, ownerID, cost); err != nil {
					return fmt.Errorf("释放预留失败: %w", err)
				}
				if err := s.recordTransaction(ctx, tx, ownerID, seg.ID, cost, model.TokenTransactionTypeRelease, "生成失败释放预留: "+errorMessage); err != nil {
					return err
				}
			}
		}

		return s.writeResultOutbox(ctx, tx, seg, newStatus, resultURL, errorMessage)
	})

	if err != nil {
		return false, err
	}

	if won && model.IsTerminalSegmentStatus(newStatus) {
		log.Printf("[Reconcile] 片段到达终态: segmentID=%d, status=%s", seg.ID, newStatus)
	}

	return won, nil
}

// recordTransaction 写一条流水，带变动后的账户快照
func (s *ReconcileService) recordTransaction(ctx context.Context, tx *gorm.DB, userID, segmentID, amount int64, transType, remark string) error {
	balance, err := s.balanceRepo.GetByUserIDTx(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("读取账户快照失败: %w", err)
	}

	trans := &model.TokenTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		SegmentID:     segmentID,
		Amount:        amount,
		Type:          transType,
		BalanceAfter:  balance.Balance,
		ReservedAfter: balance.Reserved,
		Remark:        remark,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return fmt.Errorf("记录流水失败: %w", err)
	}
	return nil
}

func (s *ReconcileService) writeResultOutbox(ctx context.Context, tx *gorm.DB, seg *model.Segment, newStatus, resultURL, errorMessage string) error {
	var tokenCost int64
	if seg.TokenCost != nil {
		tokenCost = *seg.TokenCost
	}

	msgPayload := map[string]interface{}{
		"segment_id":    seg.ID,
		"work_id":       seg.WorkID,
		"episode_no":    seg.EpisodeNo,
		"status":        newStatus,
		"result_url":    resultURL,
		"error_message": errorMessage,
		"token_cost":    tokenCost,
		"completed_at":  time.Now().Format(time.RFC3339),
	}
	payloadBytes, _ := json.Marshal(msgPayload)

	outboxMsg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("segment-%d", seg.ID),
		Topic:      s.cfg.Kafka.Topic.SegmentResult,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
		return fmt.Errorf("写入消息失败: %w", err)
	}
	return nil
}
