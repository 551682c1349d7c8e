package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Provider ProviderConfig `mapstructure:"provider"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	SegmentResult string `mapstructure:"segment_result"`
}

// ProviderConfig 视频生成服务商配置
type ProviderConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 单次请求超时，超时按瞬时失败处理
}

type BusinessConfig struct {
	PollIntervalSeconds    int              `mapstructure:"poll_interval_seconds"`    // 后台对账轮询间隔
	PollBatchSize          int              `mapstructure:"poll_batch_size"`          // 每轮对账的片段数上限
	SubmitTimeoutMinutes   int              `mapstructure:"submit_timeout_minutes"`   // 提交后拿不到任务ID的补偿时限
	MaxRetryCount          int              `mapstructure:"max_retry_count"`          // 发件箱消息最大重试次数
	TokenCostPerSecond     map[string]int64 `mapstructure:"token_cost_per_second"`    // 模型 -> 每秒代币单价
	DefaultCostPerSecond   int64            `mapstructure:"default_cost_per_second"`  // 未配置模型的兜底单价
	MaxSegmentsPerEpisode  int              `mapstructure:"max_segments_per_episode"` // 单集片段数上限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

// SegmentCost 计算一个片段的代币成本：模型单价 × 时长
func (c *BusinessConfig) SegmentCost(modelName string, durationSec int) int64 {
	perSecond, ok := c.TokenCostPerSecond[modelName]
	if !ok {
		perSecond = c.DefaultCostPerSecond
	}
	return perSecond * int64(durationSec)
}
