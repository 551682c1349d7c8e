package handler

import (
	"dramastudio/internal/config"
	"dramastudio/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config, prov service.GenerationProvider) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg, prov)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		balance := api.Group("/balance")
		{
			balance.GET("", h.GetBalance)
			balance.POST("/credit", h.Credit)
			balance.GET("/transactions", h.ListTransactions)
		}

		// 作品相关
		work := api.Group("/work")
		{
			work.POST("/create", h.CreateWork)
			work.GET("/list", h.ListWorks)
		}

		// 分镜片段相关
		segment := api.Group("/segment")
		{
			segment.POST("/create", h.CreateSegment)
			segment.POST("/submit", h.SubmitSegment)
			segment.GET("/detail", h.GetSegment)
			segment.GET("/list", h.ListSegments)
			segment.POST("/reorder", h.ReorderSegments)
			segment.POST("/update", h.UpdateSegment)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
