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
	"github.com/shopspring/decimal"

	"curtailment-cashflow/internal/settlement"
)

// Alert kinds.
const (
	KindThreshold = "cashflow_threshold"
	KindUnpriced  = "unpriced_period"
)

// Notification 封装告警上下文。
type Notification struct {
	Unit      string
	Period    settlement.PeriodKey
	Kind      string
	Shortfall decimal.Decimal
	Surplus   decimal.Decimal
	Threshold decimal.Decimal
	Reason    string
	Channels  []string
}

// Value is the figure the alert fired on.
func (n Notification) Value() decimal.Decimal {
	if n.Kind == KindThreshold {
		return n.Shortfall
	}
	return decimal.Zero
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("unit", note.Unit).
		Str("settlement_date", note.Period.Date).
		Int("settlement_period", note.Period.Period).
		Str("kind", note.Kind).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindUnpriced:
		builder.WriteString("[Curtailment Alert] period could not be priced\n")
	default:
		builder.WriteString("[Curtailment Alert] cashflow threshold exceeded\n")
	}
	builder.WriteString(fmt.Sprintf("Unit: %s\n", note.Unit))
	builder.WriteString(fmt.Sprintf("Settlement: %s period %d\n", note.Period.Date, note.Period.Period))
	if note.Kind == KindThreshold {
		builder.WriteString(fmt.Sprintf("Curtailment cashflow: £%s (threshold £%s)\n", note.Shortfall.StringFixed(2), note.Threshold.StringFixed(2)))
		builder.WriteString(fmt.Sprintf("Extra cashflow: £%s\n", note.Surplus.StringFixed(2)))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
