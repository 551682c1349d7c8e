package repository

import (
	"context"
	"errors"

	"dramastudio/internal/model"

	"gorm.io/gorm"
)

var (
	ErrWorkNotFound = errors.New("作品不存在")
	ErrNotWorkOwner = errors.New("无权操作该作品")
)

type WorkRepository struct {
	db *gorm.DB
}

func NewWorkRepository(db *gorm.DB) *WorkRepository {
	return &WorkRepository{db: db}
}

func (r *WorkRepository) Create(ctx context.Context, work *model.Work) error {
	return r.db.WithContext(ctx).Create(work).Error
}

func (r *WorkRepository) GetByID(ctx context.Context, id int64) (*model.Work, error) {
	var work model.Work
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&work).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkNotFound
		}
		return nil, err
	}
	return &work, nil
}

// GetOwned 读取作品并校验归属
// 上游鉴权层已经做过授权，这里是防御性兜底：范围解析不到就拒绝
func (r *WorkRepository) GetOwned(ctx context.Context, id, userID int64) (*model.Work, error) {
	work, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if work.UserID != userID {
		return nil, ErrNotWorkOwner
	}
	return work, nil
}

func (r *WorkRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Work, int64, error) {
	var works []*model.Work
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Work{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&works).Error

	return works, total, err
}
