package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message 封装一条待发送的告警。
type Message struct {
	Title string
	Body  string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// FeishuNotifier 通过飞书自定义机器人 Webhook 推送文本消息。
type FeishuNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewFeishuNotifier 构造飞书告警器。
func NewFeishuNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *FeishuNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FeishuNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_feishu").Logger(),
	}
}

type feishuPayload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Send 推送文本消息。飞书返回 code != 0 视为失败。
func (n *FeishuNotifier) Send(ctx context.Context, msg Message) error {
	if n.webhookURL == "" {
		return fmt.Errorf("feishu webhook url not configured")
	}

	payload := feishuPayload{MsgType: "text"}
	payload.Content.Text = msg.Title + "\n\n" + msg.Body

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal feishu payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create feishu request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send feishu request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("feishu 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if result.Code != 0 {
			return fmt.Errorf("feishu 返回 code=%d: %s", result.Code, result.Msg)
		}
	}

	n.logger.Info().Str("title", strings.TrimSpace(msg.Title)).Msg("告警已发送 (飞书)")
	return nil
}

var _ Notifier = (*FeishuNotifier)(nil)
