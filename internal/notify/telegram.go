package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/reconcile"
	"github.com/MarkoPoloResearchLab/bridgepay/pkg/session"
)

const maxAlertRows = 20

// MessageSender is the subset of *tgbotapi.BotAPI the alerter needs.
type MessageSender interface {
	Send(chattable tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAlerter tells an operator chat about unbalanced sessions.
type TelegramAlerter struct {
	sender MessageSender
	chatID int64
}

// NewTelegramBot authorizes a bot with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", ErrInvalidNotifierConfig)
	}
	return tgbotapi.NewBotAPI(token)
}

func NewTelegramAlerter(sender MessageSender, chatID int64) (*TelegramAlerter, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: telegram sender is nil", ErrInvalidNotifierConfig)
	}
	if chatID == 0 {
		return nil, fmt.Errorf("%w: telegram chat id is zero", ErrInvalidNotifierConfig)
	}
	return &TelegramAlerter{sender: sender, chatID: chatID}, nil
}

// AlertHealthCheck sends the report when it found discrepancies. A clean report sends nothing.
func (alerter *TelegramAlerter) AlertHealthCheck(ctx context.Context, report reconcile.Report) error {
	if report.Errors == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := alerter.sender.Send(tgbotapi.NewMessage(alerter.chatID, FormatAlert(report))); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

// FormatAlert renders the report as plain text, listing at most maxAlertRows sessions.
func FormatAlert(report reconcile.Report) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Bridge Credits health check since %s\n%s\n", report.From.Format(session.DateLayout), report.Summary())
	for index, analysis := range report.Rows {
		if index == maxAlertRows {
			fmt.Fprintf(&builder, "... and %d more\n", len(report.Rows)-maxAlertRows)
			break
		}
		fmt.Fprintf(&builder, "session %d %s: %s %s\n",
			analysis.Session.ID, analysis.Session.OrgName, analysis.Direction(), analysis.Discrepancy.Abs().StringFixed(2))
	}
	return builder.String()
}
