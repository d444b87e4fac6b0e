// Package notify abstracts the host-side feedback channel of a mining client:
// haptic pulses and short popups.
package notify

import (
	"context"

	"github.com/bardlex/tokenforge/pkg/log"
)

//go:generate mockgen -source=notify.go -destination=./notify_mock.go -package=notify

// Haptic is a feedback pulse understood by mobile hosts
type Haptic string

const (
	HapticSuccess Haptic = "success"
	HapticWarning Haptic = "warning"
	HapticError   Haptic = "error"
	HapticLight   Haptic = "light"
	HapticMedium  Haptic = "medium"
	HapticHeavy   Haptic = "heavy"
)

// Notifier delivers feedback to whoever is watching a miner
type Notifier interface {
	Haptic(ctx context.Context, kind Haptic) error
	Notify(ctx context.Context, title, message string) error
}

// Noop drops everything
type Noop struct{}

func (Noop) Haptic(context.Context, Haptic) error         { return nil }
func (Noop) Notify(context.Context, string, string) error { return nil }

// LogNotifier writes feedback to the log, for headless runs
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier creates a notifier logging through logger
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithComponent("notify")}
}

func (n *LogNotifier) Haptic(ctx context.Context, kind Haptic) error {
	n.logger.WithContext(ctx).Debug("haptic feedback", "kind", string(kind))
	return nil
}

func (n *LogNotifier) Notify(ctx context.Context, title, message string) error {
	n.logger.WithContext(ctx).Info("notification", "title", title, "message", message)
	return nil
}
