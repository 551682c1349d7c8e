package repository

import (
	"context"
	"testing"
	"time"

	"dramastudio/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceStatusExactlyOneWinner(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusSubmitted)

	// 模拟 N 个对账请求竞争同一片段：条件更新只让一个赢
	winners := 0
	for i := 0; i < 5; i++ {
		won, err := repo.AdvanceStatus(ctx, nil, seg.ID, model.SegmentStatusDone, "https://cdn.example.com/v.mp4", "")
		require.NoError(t, err)
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)

	got, err := repo.GetByID(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentStatusDone, got.Status)
	assert.Equal(t, "https://cdn.example.com/v.mp4", got.ResultURL)
	assert.NotNil(t, got.CompletedAt)
}

func TestAdvanceStatusSkipsPending(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending)

	// PENDING 不在可迁移状态集合里，条件更新不命中
	won, err := repo.AdvanceStatus(ctx, nil, seg.ID, model.SegmentStatusDone, "", "")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestAdvanceStatusGeneratingThenTerminal(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusSubmitted)

	won, err := repo.AdvanceStatus(ctx, nil, seg.ID, model.SegmentStatusGenerating, "", "")
	require.NoError(t, err)
	assert.True(t, won)

	// GENERATING 仍是可迁移状态，终态迁移照常进行
	won, err = repo.AdvanceStatus(ctx, nil, seg.ID, model.SegmentStatusFailed, "", "生成超时")
	require.NoError(t, err)
	assert.True(t, won)

	// 终态之后任何迁移都不再命中
	won, err = repo.AdvanceStatus(ctx, nil, seg.ID, model.SegmentStatusDone, "", "")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMarkSubmitted(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending)

	won, err := repo.MarkSubmitted(ctx, nil, seg.ID, 50)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.MarkSubmitted(ctx, nil, seg.ID, 50)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := repo.GetByID(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentStatusSubmitted, got.Status)
	require.NotNil(t, got.TokenCost)
	assert.Equal(t, int64(50), *got.TokenCost)
}

func TestShiftUpAfter(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	ids := make(map[int]int64)
	for pos := 1; pos <= 5; pos++ {
		seg := seedSegment(t, db, work.ID, 1, pos, model.SegmentStatusPending)
		ids[pos] = seg.ID
	}

	shifted, err := repo.ShiftUpAfter(ctx, nil, work.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, shifted)

	segments, err := repo.ListByScope(ctx, work.ID, 1)
	require.NoError(t, err)
	require.Len(t, segments, 5)

	// 原来 3,4,5 整体上移成 4,5,6，位置 3 空出
	wantPositions := map[int64]int{
		ids[1]: 1, ids[2]: 2, ids[3]: 4, ids[4]: 5, ids[5]: 6,
	}
	for _, seg := range segments {
		assert.Equal(t, wantPositions[seg.ID], seg.Position)
		assert.Greater(t, seg.Position, 0, "事务结束后不允许残留临时位置")
	}
}

func TestShiftUpAfterTail(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending)

	// 尾部之后没有片段需要上移
	shifted, err := repo.ShiftUpAfter(ctx, nil, work.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, shifted)
}

func TestApplyOrderingIdempotent(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	var ids []int64
	for pos := 1; pos <= 3; pos++ {
		seg := seedSegment(t, db, work.ID, 1, pos, model.SegmentStatusPending)
		ids = append(ids, seg.ID)
	}

	// 倒序重排
	changes := []PositionChange{
		{SegmentID: ids[0], Position: 3},
		{SegmentID: ids[1], Position: 2},
		{SegmentID: ids[2], Position: 1},
	}

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.ApplyOrdering(ctx, nil, changes))

		segments, err := repo.ListByScope(ctx, work.ID, 1)
		require.NoError(t, err)
		require.Len(t, segments, 3)
		// 同一映射应用两次，最终顺序一致
		assert.Equal(t, ids[2], segments[0].ID)
		assert.Equal(t, ids[1], segments[1].ID)
		assert.Equal(t, ids[0], segments[2].ID)
	}
}

func TestApplyOrderingUnknownSegment(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	err := repo.ApplyOrdering(ctx, nil, []PositionChange{{SegmentID: 9999, Position: 1}})
	assert.ErrorIs(t, err, ErrSegmentNotFound)
}

func TestListPollable(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)

	submitted := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusSubmitted)
	require.NoError(t, db.Model(submitted).Update("provider_task_id", "task-1").Error)

	generating := seedSegment(t, db, work.ID, 1, 2, model.SegmentStatusGenerating)
	require.NoError(t, db.Model(generating).Update("provider_task_id", "task-2").Error)

	// 没有服务商任务ID的不可查询
	seedSegment(t, db, work.ID, 1, 3, model.SegmentStatusSubmitted)
	// 终态不可查询
	done := seedSegment(t, db, work.ID, 1, 4, model.SegmentStatusDone)
	require.NoError(t, db.Model(done).Update("provider_task_id", "task-4").Error)
	// 模型未知的不可查询
	noModel := seedSegment(t, db, work.ID, 1, 5, model.SegmentStatusSubmitted)
	require.NoError(t, db.Model(noModel).Updates(map[string]interface{}{
		"provider_task_id": "task-5",
		"model_name":       "",
	}).Error)

	pollable, err := repo.ListPollableByScope(ctx, work.ID, 1)
	require.NoError(t, err)
	require.Len(t, pollable, 2)

	global, err := repo.ListPollable(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, global, 2)
}

func TestListStaleSubmitted(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	stale := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusSubmitted)

	withTask := seedSegment(t, db, work.ID, 1, 2, model.SegmentStatusSubmitted)
	require.NoError(t, db.Model(withTask).Update("provider_task_id", "task-1").Error)

	got, err := repo.ListStaleSubmitted(ctx, time.Now().Add(time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestUpdateDescriptive(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusDone)

	require.NoError(t, repo.UpdateDescriptive(ctx, seg.ID, "白天屋顶，主角独白", "特写"))

	got, err := repo.GetByID(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, "白天屋顶，主角独白", got.Prompt)
	assert.Equal(t, "特写", got.ShotType)
	// 描述性修改不碰执行字段
	assert.Equal(t, model.SegmentStatusDone, got.Status)
}

func TestMaxPosition(t *testing.T) {
	db := newTestDB(t)
	repo := NewSegmentRepository(db)
	ctx := context.Background()

	work := seedWork(t, db, 1)

	pos, err := repo.MaxPosition(ctx, nil, work.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	seedSegment(t, db, work.ID, 1, 3, model.SegmentStatusPending)
	pos, err = repo.MaxPosition(ctx, nil, work.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}
