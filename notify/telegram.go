package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"autoscout-watcher/models"
	"autoscout-watcher/utils"
)

// Notifier delivers a formatted message to some outbound channel. Delivery
// failure is never fatal to the pipeline.
type Notifier interface {
	Send(text string) error
}

const defaultAPIBase = "https://api.telegram.org"

// TelegramNotifier sends messages through the Telegram Bot API. With empty
// credentials it runs disabled: every send is logged and dropped, which
// keeps local runs working without a bot.
type TelegramNotifier struct {
	apiBase string
	apiKey  string
	chatID  string
	client  *http.Client
	logger  *utils.Logger
}

// NewTelegramNotifier creates a TelegramNotifier. apiKey and chatID may be
// empty, which disables delivery.
func NewTelegramNotifier(apiKey, chatID string, logger *utils.Logger) *TelegramNotifier {
	n := &TelegramNotifier{
		apiBase: defaultAPIBase,
		apiKey:  apiKey,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
	if !n.enabled() {
		logger.Warn("[notify] Telegram disabled — set TELEGRAM_API_KEY and TELEGRAM_CHAT_ID to enable")
	}
	return n
}

func (n *TelegramNotifier) enabled() bool {
	return n.apiKey != "" && n.chatID != ""
}

// Send delivers one HTML-formatted message. One attempt, no retries.
func (n *TelegramNotifier) Send(text string) error {
	if !n.enabled() {
		n.logger.Debug("[notify] Telegram disabled, would have sent: %s", text)
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.apiKey)
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: send: status %d", resp.StatusCode)
	}

	n.logger.Debug("[notify] Telegram message delivered")
	return nil
}

// NewListingMessage formats the notification for a freshly discovered
// listing. When the upstream record carried no formatted price string,
// the parsed amount is rendered instead.
func NewListingMessage(l *models.Listing) string {
	price := l.PriceText
	if price == "" && l.PriceCents != nil {
		price = formatCents(*l.PriceCents)
	}
	if price == "" {
		price = "Price not disclosed"
	}
	return fmt.Sprintf(
		"New car listing found!\n\n<b>%s</b>\nID: %s\nPrice: %s\nTransmission: %s\n<a href=\"%s\">View Listing</a>",
		l.Title(), l.IdentityKey, price, l.Transmission, l.URL)
}

func formatCents(cents int64) string {
	if cents%100 == 0 {
		return fmt.Sprintf("%d €", cents/100)
	}
	return fmt.Sprintf("%d,%02d €", cents/100, cents%100)
}

// ErrorMessage formats the single aggregated error notice for a failed
// cycle.
func ErrorMessage(botName, cycleID string, err error) string {
	return fmt.Sprintf("🚨 <b>Error Alert</b>\n\n%s — cycle %s failed: %v", botName, cycleID, err)
}

// InfoMessage formats a plain informational notice (startup, shutdown).
func InfoMessage(botName, text string) string {
	return fmt.Sprintf("ℹ️ <b>%s</b>\n\n%s", botName, text)
}
