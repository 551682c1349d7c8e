package repository

import (
	"testing"

	"dramastudio/internal/model"

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

func seedSegment(t *testing.T, db *gorm.DB, workID int64, episodeNo, position int, status string) *model.Segment {
	t.Helper()
	seg := &model.Segment{
		WorkID:    workID,
		EpisodeNo: episodeNo,
		Position:  position,
		Prompt:    "雨夜街头，两人对峙",
		ModelName: "wan-2.1",
		Status:    status,
	}
	require.NoError(t, db.Create(seg).Error)
	return seg
}
