// Package notify delivers member notifications and operator alerts.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/bridgepay/pkg/notice"
)

var ErrInvalidNotifierConfig = errors.New("invalid notifier config")

// LogNotifier writes notifications to the log instead of delivering them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (notifier *LogNotifier) Notify(_ context.Context, notification notice.Notification) error {
	notifier.logger.Info("notification",
		zap.Int64("org_id", notification.OrgID),
		zap.Int64("system_number", notification.SystemNumber),
		zap.String("subject", notification.Subject),
		zap.String("body", notification.Body),
	)
	return nil
}

var _ notice.Notifier = (*LogNotifier)(nil)
