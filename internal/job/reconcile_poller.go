package job

import (
	"context"
	"log"
	"time"

	"dramastudio/internal/config"
	"dramastudio/internal/service"

	"gorm.io/gorm"
)

// ReconcilePoller 后台对账轮询任务
//
// 用户不在线时没人触发查询接口，片段状态就停在 SUBMITTED/GENERATING，
// 预留的代币也一直占着。这个任务定期全局扫描，保证终态迟早会被结算。
// 和查询接口触发的对账走完全相同的 CAS 路径，并发也不会重复结算。
type ReconcilePoller struct {
	reconcile *service.ReconcileService
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewReconcilePoller(db *gorm.DB, cfg *config.Config, prov service.GenerationProvider) *ReconcilePoller {
	interval := time.Duration(cfg.Business.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	batchSize := cfg.Business.PollBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReconcilePoller{
		reconcile: service.NewReconcileService(db, cfg, prov),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
	}
}

func (j *ReconcilePoller) Start(ctx context.Context) {
	log.Println("[ReconcilePoller] 对账轮询任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReconcilePoller] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReconcilePoller] 任务停止")
			return
		case <-ticker.C:
			j.poll(ctx)
		}
	}
}

func (j *ReconcilePoller) Stop() {
	close(j.stopCh)
}

func (j *ReconcilePoller) poll(ctx context.Context) {
	changed, err := j.reconcile.ReconcileAll(ctx, j.batchSize)
	if err != nil {
		log.Printf("[ReconcilePoller] 对账失败: %v", err)
		return
	}
	if changed > 0 {
		log.Printf("[ReconcilePoller] 本轮推进 %d 个片段", changed)
	}
}
