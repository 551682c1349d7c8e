package job

import (
	"context"
	"log"
	"time"

	"dramastudio/internal/config"
	"dramastudio/internal/repository"
	"dramastudio/internal/service"

	"gorm.io/gorm"
)

// StaleSubmitJob 提交超时补偿任务
//
// 提交流程先落库预留再调用服务商，进程在两步之间崩溃时，
// 片段会停在 SUBMITTED 且没有服务商任务ID —— 永远不会被轮询到，
// 预留的代币也就永远不会释放。这个任务把这类片段推进到 FAILED，
// 走统一的失败结算路径释放预留。
type StaleSubmitJob struct {
	segmentRepo *repository.SegmentRepository
	workRepo    *repository.WorkRepository
	reconcile   *service.ReconcileService
	cfg         *config.Config
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewStaleSubmitJob(db *gorm.DB, cfg *config.Config, prov service.GenerationProvider) *StaleSubmitJob {
	return &StaleSubmitJob{
		segmentRepo: repository.NewSegmentRepository(db),
		workRepo:    repository.NewWorkRepository(db),
		reconcile:   service.NewReconcileService(db, cfg, prov),
		cfg:         cfg,
		stopCh:      make(chan struct{}),
		interval:    60 * time.Second,
		batchSize:   50,
	}
}

func (j *StaleSubmitJob) Start(ctx context.Context) {
	log.Println("[StaleSubmitJob] 提交超时补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleSubmitJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StaleSubmitJob] 任务停止")
			return
		case <-ticker.C:
			j.compensate(ctx)
		}
	}
}

func (j *StaleSubmitJob) Stop() {
	close(j.stopCh)
}

func (j *StaleSubmitJob) compensate(ctx context.Context) {
	timeoutMinutes := j.cfg.Business.SubmitTimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 10
	}
	before := time.Now().Add(-time.Duration(timeoutMinutes) * time.Minute)

	segments, err := j.segmentRepo.ListStaleSubmitted(ctx, before, j.batchSize)
	if err != nil {
		log.Printf("[StaleSubmitJob] 查询超时片段失败: %v", err)
		return
	}

	if len(segments) == 0 {
		return
	}

	log.Printf("[StaleSubmitJob] 发现 %d 个提交超时片段", len(segments))

	for _, seg := range segments {
		work, err := j.workRepo.GetByID(ctx, seg.WorkID)
		if err != nil {
			log.Printf("[StaleSubmitJob] 解析作品归属失败: workID=%d, err=%v", seg.WorkID, err)
			continue
		}

		won, err := j.reconcile.FailSegment(ctx, work.UserID, seg, "提交超时，未获取到服务商任务")
		if err != nil {
			log.Printf("[StaleSubmitJob] 补偿失败: segmentID=%d, err=%v", seg.ID, err)
			continue
		}
		if won {
			log.Printf("[StaleSubmitJob] 片段已标记失败并释放预留: segmentID=%d", seg.ID)
		}
	}
}
