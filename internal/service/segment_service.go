package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"dramastudio/internal/config"
	"dramastudio/internal/infrastructure/lock"
	"dramastudio/internal/model"
	"dramastudio/internal/provider"
	"dramastudio/internal/repository"
	"dramastudio/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

var (
	ErrSegmentNotPending = errors.New("片段已提交，请勿重复操作")
	ErrReorderInvalid    = errors.New("重排映射不合法")
	ErrEpisodeRequired   = errors.New("必须指定集数")
	ErrTooManySegments   = errors.New("单集片段数已达上限")
)

type SegmentService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	provider        GenerationProvider
	reconcile       *ReconcileService
	workRepo        *repository.WorkRepository
	segmentRepo     *repository.SegmentRepository
	balanceRepo     *repository.BalanceRepository
	transactionRepo *repository.TransactionRepository
}

func NewSegmentService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config, prov GenerationProvider) *SegmentService {
	return &SegmentService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		provider:        prov,
		reconcile:       NewReconcileService(db, cfg, prov),
		workRepo:        repository.NewWorkRepository(db),
		segmentRepo:     repository.NewSegmentRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

type CreateSegmentRequest struct {
	WorkID        int64  `json:"work_id" binding:"required"`
	EpisodeNo     int    `json:"episode_no" binding:"required,gt=0"`
	AfterPosition int    `json:"after_position"` // 0 或越界表示追加到末尾
	Prompt        string `json:"prompt" binding:"required"`
	ShotType      string `json:"shot_type"`
	ModelName     string `json:"model_name" binding:"required"`
	DurationSec   int    `json:"duration_sec" binding:"required,gt=0"`
}

// CreateSegment 在指定位置之后插入一个新片段（PENDING，未计费）
//
// 整个插入在一个事务内完成：先两阶段上移腾出 afterPosition+1，
// 再把新片段直接建在空出的位置上。尾部插入退化为一次普通创建。
func (s *SegmentService) CreateSegment(ctx context.Context, userID int64, req *CreateSegmentRequest) (*model.Segment, error) {
	if _, err := s.workRepo.GetOwned(ctx, req.WorkID, userID); err != nil {
		return nil, err
	}

	segment := &model.Segment{
		WorkID:      req.WorkID,
		EpisodeNo:   req.EpisodeNo,
		Prompt:      req.Prompt,
		ShotType:    req.ShotType,
		ModelName:   req.ModelName,
		DurationSec: req.DurationSec,
		Status:      model.SegmentStatusPending,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		maxPos, err := s.segmentRepo.MaxPosition(ctx, tx, req.WorkID, req.EpisodeNo)
		if err != nil {
			return fmt.Errorf("查询最大位置失败: %w", err)
		}

		limit := s.cfg.Business.MaxSegmentsPerEpisode
		if limit > 0 && maxPos >= limit {
			return ErrTooManySegments
		}

		if req.AfterPosition <= 0 || req.AfterPosition >= maxPos {
			// 尾部插入：没有需要上移的片段
			segment.Position = maxPos + 1
		} else {
			if _, err := s.segmentRepo.ShiftUpAfter(ctx, tx, req.WorkID, req.EpisodeNo, req.AfterPosition); err != nil {
				return fmt.Errorf("上移片段位置失败: %w", err)
			}
			segment.Position = req.AfterPosition + 1
		}

		if err := s.segmentRepo.Create(ctx, tx, segment); err != nil {
			return fmt.Errorf("创建片段失败: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return segment, nil
}

// SubmitSegment 提交片段生成：预留代币 -> 迁移到 SUBMITTED -> 调用服务商
//
// 【关键点】
// 1. 预留和状态迁移在同一事务内，余额不足时整体回滚，不产生半截状态
// 2. 服务商调用在事务之外（网络调用不能占着数据库事务）
// 3. 服务商提交失败时走统一的失败结算路径，预留的代币原路释放
func (s *SegmentService) SubmitSegment(ctx context.Context, userID, segmentID int64) (*model.Segment, error) {
	segment, err := s.segmentRepo.GetByID(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	if _, err := s.workRepo.GetOwned(ctx, segment.WorkID, userID); err != nil {
		return nil, err
	}

	if segment.Status != model.SegmentStatusPending {
		return nil, ErrSegmentNotPending
	}

	cost := s.cfg.Business.SegmentCost(segment.ModelName, segment.DurationSec)

	// 提交锁只做请求级串行化（多端重复点击），正确性由下面的条件更新兜底
	if s.redisClient != nil {
		submitLock := lock.NewSubmitLock(s.redisClient, segmentID, idgen.GenerateTransactionNo())
		if err := submitLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer submitLock.Unlock(ctx)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if cost > 0 {
			if err := s.balanceRepo.Reserve(ctx, tx, userID, cost); err != nil {
				return err
			}
		}

		won, err := s.segmentRepo.MarkSubmitted(ctx, tx, segmentID, cost)
		if err != nil {
			return fmt.Errorf("更新片段状态失败: %w", err)
		}
		if !won {
			// 并发请求已经提交过了，回滚本次预留
			return ErrSegmentNotPending
		}

		if cost > 0 {
			if err := s.reconcile.recordTransaction(ctx, tx, userID, segmentID, cost, model.TokenTransactionTypeReserve, "提交生成预留"); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	segment.Status = model.SegmentStatusSubmitted
	segment.TokenCost = &cost

	// 事务已提交，这里开始是网络调用，不持有任何锁或事务
	taskID, err := s.provider.Submit(ctx, &provider.SubmitRequest{
		Prompt:      segment.Prompt,
		ShotType:    segment.ShotType,
		Model:       segment.ModelName,
		DurationSec: segment.DurationSec,
	})
	if err != nil {
		// 提交失败：统一走失败结算路径（CAS 到 FAILED + 释放预留）
		if _, failErr := s.reconcile.FailSegment(ctx, userID, segment, "提交生成任务失败: "+err.Error()); failErr != nil {
			log.Printf("[Segment] 提交失败回滚异常: segmentID=%d, err=%v", segmentID, failErr)
		}
		return nil, fmt.Errorf("提交生成任务失败: %w", err)
	}

	if err := s.segmentRepo.SetProviderTask(ctx, segmentID, taskID); err != nil {
		// 极端情况：回填任务ID前片段已被并发推进，留给补偿任务处理
		log.Printf("[Segment] 回填服务商任务ID失败: segmentID=%d, taskID=%s, err=%v", segmentID, taskID, err)
	}

	log.Printf("[Segment] 提交成功: segmentID=%d, taskID=%s, cost=%d", segmentID, taskID, cost)

	return s.segmentRepo.GetByID(ctx, segmentID)
}

// GetSegment 查询片段详情，返回前先做一次同范围对账
func (s *SegmentService) GetSegment(ctx context.Context, userID, segmentID int64) (*model.Segment, error) {
	segment, err := s.segmentRepo.GetByID(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	if _, err := s.workRepo.GetOwned(ctx, segment.WorkID, userID); err != nil {
		return nil, err
	}

	if _, err := s.reconcile.ReconcileScope(ctx, segment.WorkID, segment.EpisodeNo); err != nil {
		// 对账失败不阻塞查询，下一次轮询会重试
		log.Printf("[Segment] 查询前对账失败: workID=%d, err=%v", segment.WorkID, err)
	}

	return s.segmentRepo.GetByID(ctx, segmentID)
}

// ListSegments 按位置列出片段，返回前先做一次同范围对账
func (s *SegmentService) ListSegments(ctx context.Context, userID, workID int64, episodeNo int) ([]*model.Segment, error) {
	if _, err := s.workRepo.GetOwned(ctx, workID, userID); err != nil {
		return nil, err
	}

	if _, err := s.reconcile.ReconcileScope(ctx, workID, episodeNo); err != nil {
		log.Printf("[Segment] 查询前对账失败: workID=%d, err=%v", workID, err)
	}

	return s.segmentRepo.ListByScope(ctx, workID, episodeNo)
}

type ReorderItem struct {
	SegmentID int64 `json:"segment_id" binding:"required"`
	Position  int   `json:"position" binding:"required,gt=0"`
}

// ReorderSegments 整体重排一集的片段顺序
//
// 校验在事务开始之前完成：映射必须恰好覆盖该范围的全部片段，
// 目标位置必须为正且互不重复。校验不通过时一行都不写。
func (s *SegmentService) ReorderSegments(ctx context.Context, userID, workID int64, episodeNo int, items []ReorderItem) error {
	if _, err := s.workRepo.GetOwned(ctx, workID, userID); err != nil {
		return err
	}
	if episodeNo <= 0 {
		return ErrEpisodeRequired
	}
	if len(items) == 0 {
		// 空映射是无操作
		return nil
	}

	existing, err := s.segmentRepo.ListByScope(ctx, workID, episodeNo)
	if err != nil {
		return fmt.Errorf("查询片段失败: %w", err)
	}

	if len(items) != len(existing) {
		return fmt.Errorf("%w: 映射必须覆盖全部 %d 个片段", ErrReorderInvalid, len(existing))
	}

	inScope := make(map[int64]bool, len(existing))
	for _, seg := range existing {
		inScope[seg.ID] = true
	}

	seenSegment := make(map[int64]bool, len(items))
	seenPosition := make(map[int]bool, len(items))
	changes := make([]repository.PositionChange, 0, len(items))
	for _, item := range items {
		if !inScope[item.SegmentID] {
			return fmt.Errorf("%w: 片段 %d 不在该范围内", ErrReorderInvalid, item.SegmentID)
		}
		if seenSegment[item.SegmentID] {
			return fmt.Errorf("%w: 片段 %d 出现多次", ErrReorderInvalid, item.SegmentID)
		}
		if item.Position <= 0 {
			return fmt.Errorf("%w: 位置必须为正数", ErrReorderInvalid)
		}
		if seenPosition[item.Position] {
			return fmt.Errorf("%w: 位置 %d 重复", ErrReorderInvalid, item.Position)
		}
		seenSegment[item.SegmentID] = true
		seenPosition[item.Position] = true
		changes = append(changes, repository.PositionChange{SegmentID: item.SegmentID, Position: item.Position})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.segmentRepo.ApplyOrdering(ctx, tx, changes)
	})
}

type UpdateSegmentRequest struct {
	SegmentID int64  `json:"segment_id" binding:"required"`
	Prompt    string `json:"prompt"`
	ShotType  string `json:"shot_type"`
}

// UpdateSegment 修改描述性字段（提示词、镜头类型）
// 状态、成本、位置不经过这个入口，终态片段也允许改描述
func (s *SegmentService) UpdateSegment(ctx context.Context, userID int64, req *UpdateSegmentRequest) error {
	segment, err := s.segmentRepo.GetByID(ctx, req.SegmentID)
	if err != nil {
		return err
	}

	if _, err := s.workRepo.GetOwned(ctx, segment.WorkID, userID); err != nil {
		return err
	}

	return s.segmentRepo.UpdateDescriptive(ctx, req.SegmentID, req.Prompt, req.ShotType)
}
