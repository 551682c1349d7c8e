package handler

import (
	"errors"
	"strconv"

	"dramastudio/internal/config"
	"dramastudio/internal/repository"
	"dramastudio/internal/service"
	"dramastudio/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
//
// user_id 由上游网关解析登录态后传入，本服务信任它，不做鉴权；
// 作品归属校验是防御性兜底，不是鉴权
type Handler struct {
	balanceService *service.BalanceService
	workService    *service.WorkService
	segmentService *service.SegmentService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config, prov service.GenerationProvider) *Handler {
	return &Handler{
		balanceService: service.NewBalanceService(db),
		workService:    service.NewWorkService(db),
		segmentService: service.NewSegmentService(db, rdb, cfg, prov),
	}
}

func parseUserID(c *gin.Context) (int64, bool) {
	userIDStr := c.Query("user_id")
	if userIDStr == "" {
		userIDStr = c.GetHeader("X-User-ID")
	}
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// businessError 把服务层的已知错误映射到业务错误码
func businessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrWorkNotFound):
		response.BusinessError(c, response.CodeWorkNotFound, err.Error())
	case errors.Is(err, repository.ErrNotWorkOwner):
		response.BusinessError(c, response.CodeNotOwner, err.Error())
	case errors.Is(err, repository.ErrSegmentNotFound):
		response.BusinessError(c, response.CodeSegmentNotFound, err.Error())
	case errors.Is(err, repository.ErrInsufficientTokens):
		response.BusinessError(c, response.CodeInsufficientTokens, err.Error())
	case errors.Is(err, repository.ErrBalanceNotFound):
		response.BusinessError(c, response.CodeBalanceNotFound, err.Error())
	case errors.Is(err, service.ErrSegmentNotPending):
		response.BusinessError(c, response.CodeSegmentStatusError, err.Error())
	case errors.Is(err, service.ErrReorderInvalid):
		response.BusinessError(c, response.CodePositionConflict, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户代币余额
// GET /api/v1/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	balance, err := h.balanceService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":         balance.UserID,
		"balance":         balance.Balance,
		"reserved":        balance.Reserved,
		"available":       balance.Available(),
		"total_purchased": balance.TotalPurchased,
		"total_consumed":  balance.TotalConsumed,
	})
}

// CreditRequest 充值入账请求（支付系统回调后调用）
type CreditRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	Amount int64 `json:"amount" binding:"required,gt=0"`
}

// Credit 充值入账
// POST /api/v1/balance/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.balanceService.Credit(c.Request.Context(), req.UserID, req.Amount); err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "充值成功",
	})
}

// ListTransactions 查询代币流水
// GET /api/v1/balance/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.balanceService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 作品相关接口
// ============================================================

// CreateWork 创建作品
// POST /api/v1/work/create?user_id=xxx
func (h *Handler) CreateWork(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req service.CreateWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	work, err := h.workService.CreateWork(c.Request.Context(), userID, &req)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, work)
}

// ListWorks 查询用户作品列表
// GET /api/v1/work/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListWorks(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	works, total, err := h.workService.ListWorks(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      works,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 分镜片段相关接口
// ============================================================

// CreateSegment 创建片段（插入到指定位置之后）
// POST /api/v1/segment/create?user_id=xxx
func (h *Handler) CreateSegment(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req service.CreateSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	segment, err := h.segmentService.CreateSegment(c.Request.Context(), userID, &req)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, segment)
}

// SubmitSegmentRequest 提交生成请求
type SubmitSegmentRequest struct {
	SegmentID int64 `json:"segment_id" binding:"required"`
}

// SubmitSegment 提交片段生成
// POST /api/v1/segment/submit?user_id=xxx
//
// 【关键点】提交是整个计费链路的起点，需要保证：
// 1. 余额校验和预留是一条原子的条件更新
// 2. 预留、状态迁移、流水记录同时成功或同时失败
// 3. 服务商提交失败时预留的代币原路释放
func (h *Handler) SubmitSegment(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req SubmitSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	segment, err := h.segmentService.SubmitSegment(c.Request.Context(), userID, req.SegmentID)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, segment)
}

// GetSegment 查询片段详情（返回前触发一次对账）
// GET /api/v1/segment/detail?user_id=xxx&segment_id=xxx
func (h *Handler) GetSegment(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	segmentID, err := strconv.ParseInt(c.Query("segment_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "segment_id 参数错误")
		return
	}

	segment, err := h.segmentService.GetSegment(c.Request.Context(), userID, segmentID)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, segment)
}

// ListSegments 查询片段列表（返回前触发一次对账）
// GET /api/v1/segment/list?user_id=xxx&work_id=xxx&episode_no=1
func (h *Handler) ListSegments(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	workID, err := strconv.ParseInt(c.Query("work_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "work_id 参数错误")
		return
	}

	episodeNo, _ := strconv.Atoi(c.DefaultQuery("episode_no", "0"))

	segments, err := h.segmentService.ListSegments(c.Request.Context(), userID, workID, episodeNo)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  segments,
		"total": len(segments),
	})
}

// ReorderSegmentsRequest 重排请求
type ReorderSegmentsRequest struct {
	WorkID    int64                 `json:"work_id" binding:"required"`
	EpisodeNo int                   `json:"episode_no" binding:"required,gt=0"`
	Items     []service.ReorderItem `json:"items"`
}

// ReorderSegments 整体重排一集的片段顺序
// POST /api/v1/segment/reorder?user_id=xxx
func (h *Handler) ReorderSegments(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req ReorderSegmentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.segmentService.ReorderSegments(c.Request.Context(), userID, req.WorkID, req.EpisodeNo, req.Items)
	if err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "重排成功",
	})
}

// UpdateSegment 修改片段描述性字段
// POST /api/v1/segment/update?user_id=xxx
func (h *Handler) UpdateSegment(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req service.UpdateSegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.segmentService.UpdateSegment(c.Request.Context(), userID, &req); err != nil {
		businessError(c, err)
		return
	}

	response.Success(c, gin.H{
		"message": "修改成功",
	})
}
