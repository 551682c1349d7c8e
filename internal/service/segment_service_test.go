package service

import (
	"context"
	"errors"
	"testing"

	"dramastudio/internal/model"
	"dramastudio/internal/provider"
	"dramastudio/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSegmentInsertAfter(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)

	// 先建出位置 1,2,3
	var ids []int64
	for i := 0; i < 3; i++ {
		seg, err := svc.CreateSegment(ctx, 1, &CreateSegmentRequest{
			WorkID:      work.ID,
			EpisodeNo:   1,
			Prompt:      "测试分镜",
			ModelName:   "wan-2.1",
			DurationSec: 5,
		})
		require.NoError(t, err)
		ids = append(ids, seg.ID)
	}

	// 在位置 2 之后插入：{1,2,3} -> {1,2,新,3} 重编号为 {1,2,3,4}
	inserted, err := svc.CreateSegment(ctx, 1, &CreateSegmentRequest{
		WorkID:        work.ID,
		EpisodeNo:     1,
		AfterPosition: 2,
		Prompt:        "插入的分镜",
		ModelName:     "wan-2.1",
		DurationSec:   5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, inserted.Position)

	segments, err := repository.NewSegmentRepository(db).ListByScope(ctx, work.ID, 1)
	require.NoError(t, err)
	require.Len(t, segments, 4)

	wantOrder := []int64{ids[0], ids[1], inserted.ID, ids[2]}
	for i, seg := range segments {
		assert.Equal(t, wantOrder[i], seg.ID)
		assert.Equal(t, i+1, seg.Position)
	}
}

func TestCreateSegmentTailAppend(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)

	first, err := svc.CreateSegment(ctx, 1, &CreateSegmentRequest{
		WorkID: work.ID, EpisodeNo: 1, Prompt: "p", ModelName: "wan-2.1", DurationSec: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Position)

	// AfterPosition 为 0 或越界都退化为尾部追加
	second, err := svc.CreateSegment(ctx, 1, &CreateSegmentRequest{
		WorkID: work.ID, EpisodeNo: 1, AfterPosition: 99, Prompt: "p", ModelName: "wan-2.1", DurationSec: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Position)
}

func TestCreateSegmentOwnership(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)

	_, err := svc.CreateSegment(ctx, 2, &CreateSegmentRequest{
		WorkID: work.ID, EpisodeNo: 1, Prompt: "p", ModelName: "wan-2.1", DurationSec: 5,
	})
	assert.ErrorIs(t, err, repository.ErrNotWorkOwner)
}

func TestSubmitSegment(t *testing.T) {
	db := newTestDB(t)
	fake := newFakeProvider()
	fake.submitTaskID = "task-99"
	svc := NewSegmentService(db, nil, testConfig(), fake)
	ctx := context.Background()

	seedBalance(t, db, 1, 1000, 0)
	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending, "", nil)

	got, err := svc.SubmitSegment(ctx, 1, seg.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SegmentStatusSubmitted, got.Status)
	assert.Equal(t, "task-99", got.ProviderTaskID)
	// wan-2.1 每秒 10 代币 × 5 秒
	require.NotNil(t, got.TokenCost)
	assert.Equal(t, int64(50), *got.TokenCost)

	balance, err := repository.NewBalanceRepository(db).GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Balance)
	assert.Equal(t, int64(50), balance.Reserved)

	// 预留流水
	var transCount int64
	require.NoError(t, db.Model(&model.TokenTransaction{}).
		Where("segment_id = ? AND type = ?", seg.ID, model.TokenTransactionTypeReserve).
		Count(&transCount).Error)
	assert.Equal(t, int64(1), transCount)

	// 重复提交被拒绝
	_, err = svc.SubmitSegment(ctx, 1, seg.ID)
	assert.ErrorIs(t, err, ErrSegmentNotPending)
}

func TestSubmitSegmentInsufficientTokens(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	seedBalance(t, db, 1, 10, 0)
	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending, "", nil)

	_, err := svc.SubmitSegment(ctx, 1, seg.ID)
	assert.ErrorIs(t, err, repository.ErrInsufficientTokens)

	// 余额不足在创建任何状态之前拒绝：片段还是 PENDING，账户无变化
	got, err := repository.NewSegmentRepository(db).GetByID(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentStatusPending, got.Status)
	assert.Nil(t, got.TokenCost)

	balance, err := repository.NewBalanceRepository(db).GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestSubmitSegmentProviderFailureRefunds(t *testing.T) {
	db := newTestDB(t)
	fake := newFakeProvider()
	fake.submitErr = errors.New("服务商不可用")
	svc := NewSegmentService(db, nil, testConfig(), fake)
	ctx := context.Background()

	seedBalance(t, db, 1, 1000, 0)
	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending, "", nil)

	_, err := svc.SubmitSegment(ctx, 1, seg.ID)
	require.Error(t, err)

	// 提交失败走失败结算路径：片段 FAILED，预留原路释放
	got, dbErr := repository.NewSegmentRepository(db).GetByID(ctx, seg.ID)
	require.NoError(t, dbErr)
	assert.Equal(t, model.SegmentStatusFailed, got.Status)

	balance, dbErr := repository.NewBalanceRepository(db).GetByUserID(ctx, 1)
	require.NoError(t, dbErr)
	assert.Equal(t, int64(1000), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestReorderSegmentsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)
	s1 := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending, "", nil)
	s2 := seedSegment(t, db, work.ID, 1, 2, model.SegmentStatusPending, "", nil)
	s3 := seedSegment(t, db, work.ID, 1, 3, model.SegmentStatusPending, "", nil)

	items := []ReorderItem{
		{SegmentID: s1.ID, Position: 3},
		{SegmentID: s2.ID, Position: 1},
		{SegmentID: s3.ID, Position: 2},
	}

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.ReorderSegments(ctx, 1, work.ID, 1, items))

		segments, err := repository.NewSegmentRepository(db).ListByScope(ctx, work.ID, 1)
		require.NoError(t, err)
		require.Len(t, segments, 3)
		assert.Equal(t, s2.ID, segments[0].ID)
		assert.Equal(t, s3.ID, segments[1].ID)
		assert.Equal(t, s1.ID, segments[2].ID)
	}
}

func TestReorderSegmentsValidation(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)
	s1 := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusPending, "", nil)
	s2 := seedSegment(t, db, work.ID, 1, 2, model.SegmentStatusPending, "", nil)

	// 目标位置重复
	err := svc.ReorderSegments(ctx, 1, work.ID, 1, []ReorderItem{
		{SegmentID: s1.ID, Position: 1},
		{SegmentID: s2.ID, Position: 1},
	})
	assert.ErrorIs(t, err, ErrReorderInvalid)

	// 引用不存在的片段
	err = svc.ReorderSegments(ctx, 1, work.ID, 1, []ReorderItem{
		{SegmentID: s1.ID, Position: 1},
		{SegmentID: 9999, Position: 2},
	})
	assert.ErrorIs(t, err, ErrReorderInvalid)

	// 没有覆盖全部片段
	err = svc.ReorderSegments(ctx, 1, work.ID, 1, []ReorderItem{
		{SegmentID: s1.ID, Position: 1},
	})
	assert.ErrorIs(t, err, ErrReorderInvalid)

	// 校验不通过时一行都没写
	segments, listErr := repository.NewSegmentRepository(db).ListByScope(ctx, work.ID, 1)
	require.NoError(t, listErr)
	assert.Equal(t, 1, segments[0].Position)
	assert.Equal(t, 2, segments[1].Position)

	// 空映射是无操作
	require.NoError(t, svc.ReorderSegments(ctx, 1, work.ID, 1, nil))
}

func TestListSegmentsTriggersReconcile(t *testing.T) {
	db := newTestDB(t)
	fake := newFakeProvider()
	svc := NewSegmentService(db, nil, testConfig(), fake)
	ctx := context.Background()

	seedBalance(t, db, 1, 100, 30)
	work := seedWork(t, db, 1)
	seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusSubmitted, "task-1", int64Ptr(30))

	fake.results["task-1"] = &provider.TaskResult{
		TaskID: "task-1", Status: provider.TaskStatusSucceeded, VideoURL: "https://cdn.example.com/v.mp4",
	}

	// 列表查询作为副作用先做一轮对账，返回的已经是终态
	segments, err := svc.ListSegments(ctx, 1, work.ID, 1)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, model.SegmentStatusDone, segments[0].Status)
	assert.Equal(t, 1, fake.queryCount)

	balance, err := repository.NewBalanceRepository(db).GetByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance.Balance)
}

func TestUpdateSegmentDescriptiveOnTerminal(t *testing.T) {
	db := newTestDB(t)
	svc := NewSegmentService(db, nil, testConfig(), newFakeProvider())
	ctx := context.Background()

	work := seedWork(t, db, 1)
	seg := seedSegment(t, db, work.ID, 1, 1, model.SegmentStatusDone, "task-1", int64Ptr(30))

	// 终态片段的描述性字段仍可修改，执行字段不动
	require.NoError(t, svc.UpdateSegment(ctx, 1, &UpdateSegmentRequest{
		SegmentID: seg.ID,
		Prompt:    "修订后的提示词",
	}))

	got, err := repository.NewSegmentRepository(db).GetByID(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, "修订后的提示词", got.Prompt)
	assert.Equal(t, model.SegmentStatusDone, got.Status)
	require.NotNil(t, got.TokenCost)
	assert.Equal(t, int64(30), *got.TokenCost)
}
