package alerts

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/drivesentry/drivesentry/internal/logging"
	"github.com/drivesentry/drivesentry/internal/models"
)

// Notifier delivers quota warnings to an operator channel.
type Notifier interface {
	Send(alert models.Alert) error
}

// TelegramNotifier delivers alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *logging.Logger
}

// NewTelegramNotifier creates a notifier for the given bot token and chat
func NewTelegramNotifier(token string, chatID int64, logger *logging.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}, nil
}

// Send delivers the alert as a Markdown message
func (n *TelegramNotifier) Send(alert models.Alert) error {
	msg := tgbotapi.NewMessage(n.chatID, FormatMessage(alert))
	msg.ParseMode = "Markdown"
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// FormatMessage renders an alert for the operator channel
func FormatMessage(alert models.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Storage quota %s*\n", levelEmoji(alert.Level), alert.Level)
	fmt.Fprintf(&b, "%s\n", alert.Message)
	fmt.Fprintf(&b, "Usage: %.1f%%\n", alert.UsagePercent)
	if alert.TotalBytes > 0 {
		fmt.Fprintf(&b, "Used: %.2f GB of %.2f GB\n",
			float64(alert.UsedBytes)/(1<<30), float64(alert.TotalBytes)/(1<<30))
	}
	for _, rec := range alert.Recommendations {
		fmt.Fprintf(&b, "• %s\n", rec)
	}
	return strings.TrimRight(b.String(), "\n")
}

func levelEmoji(level models.WarningLevel) string {
	switch level {
	case models.WarningCritical:
		return "🚨"
	case models.WarningHigh:
		return "🔴"
	case models.WarningMedium:
		return "🟠"
	case models.WarningLow:
		return "🟡"
	default:
		return "ℹ️"
	}
}

// LogNotifier writes alerts to the structured log. It is the fallback
// when no delivery channel is configured.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the alert at a severity matching its level
func (n *LogNotifier) Send(alert models.Alert) error {
	fields := []interface{}{
		"level", string(alert.Level),
		"usage_percent", alert.UsagePercent,
		"used_bytes", alert.UsedBytes,
		"total_bytes", alert.TotalBytes,
	}
	if alert.Level.AtLeast(models.WarningHigh) {
		n.logger.Error(alert.Message, fields...)
	} else {
		n.logger.Warn(alert.Message, fields...)
	}
	return nil
}
