package repository

import (
	"context"
	"errors"
	"time"

	"dramastudio/internal/model"

	"gorm.io/gorm"
)

var (
	ErrSegmentNotFound      = errors.New("分镜片段不存在")
	ErrSegmentStatusInvalid = errors.New("片段状态不合法")
)

// scratchOffset 两阶段换位使用的临时位置偏移
// 临时位置取负数并叠加大偏移，保证不会和任何真实位置或其他临时位置冲突
const scratchOffset = 1 << 20

// PositionChange 重排时一个片段的目标位置
type PositionChange struct {
	SegmentID int64
	Position  int
}

type SegmentRepository struct {
	db *gorm.DB
}

func NewSegmentRepository(db *gorm.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

func (r *SegmentRepository) Create(ctx context.Context, tx *gorm.DB, segment *model.Segment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(segment).Error
}

func (r *SegmentRepository) GetByID(ctx context.Context, id int64) (*model.Segment, error) {
	var segment model.Segment
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&segment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSegmentNotFound
		}
		return nil, err
	}
	return &segment, nil
}

// ListByScope 按位置升序列出某作品某一集的全部片段
// episodeNo <= 0 时列出整部作品
func (r *SegmentRepository) ListByScope(ctx context.Context, workID int64, episodeNo int) ([]*model.Segment, error) {
	var segments []*model.Segment
	query := r.db.WithContext(ctx).Where("work_id = ?", workID)
	if episodeNo > 0 {
		query = query.Where("episode_no = ?", episodeNo)
	}
	err := query.Order("episode_no ASC, position ASC").Find(&segments).Error
	return segments, err
}

// ListPollableByScope 列出某范围内可向服务商查询的片段
// 条件：非终态 + 已有服务商任务ID + 模型已知
func (r *SegmentRepository) ListPollableByScope(ctx context.Context, workID int64, episodeNo int) ([]*model.Segment, error) {
	var segments []*model.Segment
	query := r.db.WithContext(ctx).
		Where("work_id = ? AND status IN ? AND provider_task_id <> '' AND model_name <> ''",
			workID, model.ActiveSegmentStatuses)
	if episodeNo > 0 {
		query = query.Where("episode_no = ?", episodeNo)
	}
	err := query.Order("id ASC").Find(&segments).Error
	return segments, err
}

// ListPollable 全局扫描可查询片段（后台轮询任务用）
func (r *SegmentRepository) ListPollable(ctx context.Context, limit int) ([]*model.Segment, error) {
	var segments []*model.Segment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND provider_task_id <> '' AND model_name <> ''", model.ActiveSegmentStatuses).
		Order("updated_at ASC").
		Limit(limit).
		Find(&segments).Error
	return segments, err
}

// ListStaleSubmitted 列出提交超时且始终没拿到服务商任务ID的片段
// 这类片段已经预留了代币但永远不会被轮询到，需要补偿释放
func (r *SegmentRepository) ListStaleSubmitted(ctx context.Context, before time.Time, limit int) ([]*model.Segment, error) {
	var segments []*model.Segment
	err := r.db.WithContext(ctx).
		Where("status = ? AND provider_task_id = '' AND updated_at < ?", model.SegmentStatusSubmitted, before).
		Limit(limit).
		Find(&segments).Error
	return segments, err
}

func (r *SegmentRepository) MaxPosition(ctx context.Context, tx *gorm.DB, workID int64, episodeNo int) (int, error) {
	if tx == nil {
		tx = r.db
	}
	var maxPos struct {
		MaxPosition *int
	}
	err := tx.WithContext(ctx).
		Model(&model.Segment{}).
		Select("MAX(position) AS max_position").
		Where("work_id = ? AND episode_no = ?", workID, episodeNo).
		Scan(&maxPos).Error
	if err != nil {
		return 0, err
	}
	if maxPos.MaxPosition == nil {
		return 0, nil
	}
	return *maxPos.MaxPosition, nil
}

// MarkSubmitted 条件更新 PENDING -> SUBMITTED，同时写入本次生成的代币成本
// 返回是否真的发生了迁移（RowsAffected == 1）
func (r *SegmentRepository) MarkSubmitted(ctx context.Context, tx *gorm.DB, id int64, tokenCost int64) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Segment{}).
		Where("id = ? AND status = ?", id, model.SegmentStatusPending).
		Updates(map[string]interface{}{
			"status":     model.SegmentStatusSubmitted,
			"token_cost": tokenCost,
		})

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetProviderTask 提交成功后回填服务商任务ID
// 只在 SUBMITTED 状态下写入，片段已被并发对账推进时放弃
func (r *SegmentRepository) SetProviderTask(ctx context.Context, id int64, providerTaskID string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Segment{}).
		Where("id = ? AND status = ?", id, model.SegmentStatusSubmitted).
		Update("provider_task_id", providerTaskID)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSegmentStatusInvalid
	}
	return nil
}

// AdvanceStatus 对账的核心条件更新（CAS）
//
// 【关键点】"set ... WHERE id = ? AND status IN (SUBMITTED, GENERATING)"
// 是一条原子的比较并交换，不是先读后写。多个对账请求并发竞争同一片段时，
// 只有 RowsAffected == 1 的那个调用者赢得本次状态迁移，
// 只有赢家才允许继续触发代币结算 —— 这就是结算恰好一次的结构性保证
func (r *SegmentRepository) AdvanceStatus(ctx context.Context, tx *gorm.DB, id int64, newStatus, resultURL, errorMessage string) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": newStatus,
	}
	if resultURL != "" {
		updates["result_url"] = resultURL
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	if model.IsTerminalSegmentStatus(newStatus) {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Segment{}).
		Where("id = ? AND status IN ?", id, model.ActiveSegmentStatuses).
		Updates(updates)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// UpdateDescriptive 管理性修改：只允许动描述性字段
// 状态、成本、位置等执行字段一律不经过这里
func (r *SegmentRepository) UpdateDescriptive(ctx context.Context, id int64, prompt, shotType string) error {
	updates := map[string]interface{}{}
	if prompt != "" {
		updates["prompt"] = prompt
	}
	if shotType != "" {
		updates["shot_type"] = shotType
	}
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&model.Segment{}).
		Where("id = ?", id).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSegmentNotFound
	}
	return nil
}

// ============================================================================
// 两阶段换位
// ============================================================================
//
// 位置列上有 (work_id, episode_no, position) 唯一索引，
// "所有位置 +1" 这类批量改动的中间值必然和现有值碰撞。
// 解法：先把要动的行全部挪进不可能冲突的负数临时区（阶段一），
// 再写入真实的最终位置（阶段二）。两个阶段必须在同一个事务里执行，
// 失败整体回滚，外部读事务永远看不到临时位置。

// ShiftUpAfter 把 position >= afterPos+1 的片段整体上移一位，腾出 afterPos+1
//
// 阶段一按位置从高到低逐行挪进临时区，保证任何一步部分写入
// 都不会和尚未移动的行冲突
func (r *SegmentRepository) ShiftUpAfter(ctx context.Context, tx *gorm.DB, workID int64, episodeNo, afterPos int) (int, error) {
	if tx == nil {
		tx = r.db
	}

	var segments []*model.Segment
	err := tx.WithContext(ctx).
		Where("work_id = ? AND episode_no = ? AND position > ?", workID, episodeNo, afterPos).
		Order("position DESC").
		Find(&segments).Error
	if err != nil {
		return 0, err
	}

	if len(segments) == 0 {
		return 0, nil
	}

	// 阶段一：挪进临时区
	for _, seg := range segments {
		err := tx.WithContext(ctx).
			Model(&model.Segment{}).
			Where("id = ?", seg.ID).
			Update("position", -(seg.Position + scratchOffset)).Error
		if err != nil {
			return 0, err
		}
	}

	// 阶段二：写入最终位置
	for _, seg := range segments {
		err := tx.WithContext(ctx).
			Model(&model.Segment{}).
			Where("id = ?", seg.ID).
			Update("position", seg.Position+1).Error
		if err != nil {
			return 0, err
		}
	}

	return len(segments), nil
}

// ApplyOrdering 按给定映射整体重排一个范围内的片段位置
// 映射合法性（位置唯一、片段存在）由调用方在事务开始前校验
func (r *SegmentRepository) ApplyOrdering(ctx context.Context, tx *gorm.DB, changes []PositionChange) error {
	if tx == nil {
		tx = r.db
	}

	// 阶段一：每个片段先占一个按序号分配的负数临时位置
	for i, change := range changes {
		result := tx.WithContext(ctx).
			Model(&model.Segment{}).
			Where("id = ?", change.SegmentID).
			Update("position", -(i + 1 + scratchOffset))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSegmentNotFound
		}
	}

	// 阶段二：写入最终位置
	for _, change := range changes {
		err := tx.WithContext(ctx).
			Model(&model.Segment{}).
			Where("id = ?", change.SegmentID).
			Update("position", change.Position).Error
		if err != nil {
			return err
		}
	}

	return nil
}
