package service

import (
	"context"
	"errors"

	"dramastudio/internal/model"
	"dramastudio/internal/repository"

	"gorm.io/gorm"
)

type WorkService struct {
	db       *gorm.DB
	workRepo *repository.WorkRepository
}

func NewWorkService(db *gorm.DB) *WorkService {
	return &WorkService{
		db:       db,
		workRepo: repository.NewWorkRepository(db),
	}
}

type CreateWorkRequest struct {
	Title        string `json:"title" binding:"required"`
	Description  string `json:"description"`
	EpisodeCount int    `json:"episode_count"`
}

func (s *WorkService) CreateWork(ctx context.Context, userID int64, req *CreateWorkRequest) (*model.Work, error) {
	if req.Title == "" {
		return nil, errors.New("作品标题不能为空")
	}

	episodeCount := req.EpisodeCount
	if episodeCount <= 0 {
		episodeCount = 1
	}

	work := &model.Work{
		UserID:       userID,
		Title:        req.Title,
		Description:  req.Description,
		EpisodeCount: episodeCount,
	}

	if err := s.workRepo.Create(ctx, work); err != nil {
		return nil, err
	}
	return work, nil
}

func (s *WorkService) GetWork(ctx context.Context, userID, workID int64) (*model.Work, error) {
	return s.workRepo.GetOwned(ctx, workID, userID)
}

func (s *WorkService) ListWorks(ctx context.Context, userID int64, page, pageSize int) ([]*model.Work, int64, error) {
	return s.workRepo.ListByUserID(ctx, userID, page, pageSize)
}
