package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dramastudio/internal/config"
)

// ============================================================================
// 视频生成服务商客户端
// ============================================================================
//
// 服务商是一个不受我们控制的外部依赖：可能慢、可能抖动、可能返回脏数据。
// 所有请求都带超时，超时和网络错误一律当作瞬时失败处理，
// 片段状态保持不变，等下一轮对账重试。

const (
	// 服务商侧任务状态
	TaskStatusQueued     = "queued"
	TaskStatusProcessing = "processing"
	TaskStatusSucceeded  = "succeeded"
	TaskStatusFailed     = "failed"
)

var ErrTaskNotFound = errors.New("服务商任务不存在")

// SubmitRequest 提交生成任务的参数
type SubmitRequest struct {
	Prompt      string `json:"prompt"`
	ShotType    string `json:"shot_type,omitempty"`
	Model       string `json:"model"`
	DurationSec int    `json:"duration_sec"`
}

// TaskResult 查询任务返回的状态快照
type TaskResult struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	VideoURL     string `json:"video_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(cfg *config.ProviderConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

// Submit 提交生成任务，返回服务商任务ID
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("序列化请求失败: %w", err)
	}

	var resp struct {
		TaskID string `json:"task_id"`
	}
	if err := c.post(ctx, "/v1/video/generations", body, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", errors.New("服务商未返回任务ID")
	}
	return resp.TaskID, nil
}

// QueryTask 查询任务当前状态
func (c *Client) QueryTask(ctx context.Context, taskID string) (*TaskResult, error) {
	var result TaskResult
	err := c.get(ctx, "/v1/video/generations/"+taskID, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求服务商失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("读取服务商响应失败: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("服务商返回异常状态码 %d: %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析服务商响应失败: %w", err)
	}
	return nil
}
