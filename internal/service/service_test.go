package service

import (
	"context"
	"errors"
	"testing"

	"dramastudio/internal/config"
	"dramastudio/internal/model"
	"dramastudio/internal/provider"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存 sqlite，限制单连接避免 :memory: 各连接各一库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.UserBalance{},
		&model.Work{},
		&model.Segment{},
		&model.TokenTransaction{},
		&model.OutboxMessage{},
	))

	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Kafka.Topic.SegmentResult = "segment_result"
	cfg.Business.DefaultCostPerSecond = 10
	cfg.Business.TokenCostPerSecond = map[string]int64{"wan-2.1": 10}
	cfg.Business.MaxRetryCount = 3
	return cfg
}

// fakeProvider 测试用服务商替身
type fakeProvider struct {
	submitTaskID string
	submitErr    error
	results      map[string]*provider.TaskResult
	queryErrs    map[string]error
	queryCount   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		submitTaskID: "task-1",
		results:      make(map[string]*provider.TaskResult),
		queryErrs:    make(map[string]error),
	}
}

func (f *fakeProvider) Submit(ctx context.Context, req *provider.SubmitRequest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitTaskID, nil
}

func (f *fakeProvider) QueryTask(ctx context.Context, taskID string) (*provider.TaskResult, error) {
	f.queryCount++
	if err, ok := f.queryErrs[taskID]; ok {
		return nil, err
	}
	if result, ok := f.results[taskID]; ok {
		return result, nil
	}
	return nil, errors.New("服务商任务不存在")
}

func seedBalance(t *testing.T, db *gorm.DB, userID, balance, reserved int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.UserBalance{
		UserID:   userID,
		Balance:  balance,
		Reserved: reserved,
	}).Error)
}

func seedWork(t *testing.T, db *gorm.DB, userID int64) *model.Work {
	t.Helper()
	work := &model.Work{UserID: userID, Title: "测试短剧", EpisodeCount: 1}
	require.NoError(t, db.Create(work).Error)
	return work
}

func seedSegment(t *testing.T, db *gorm.DB, workID int64, episodeNo, position int, status, taskID string, tokenCost *int64) *model.Segment {
	t.Helper()
	seg := &model.Segment{
		WorkID:         workID,
		EpisodeNo:      episodeNo,
		Position:       position,
		Prompt:         "雨夜街头，两人对峙",
		ModelName:      "wan-2.1",
		DurationSec:    5,
		Status:         status,
		ProviderTaskID: taskID,
		TokenCost:      tokenCost,
	}
	require.NoError(t, db.Create(seg).Error)
	return seg
}

func int64Ptr(v int64) *int64 {
	return &v
}
