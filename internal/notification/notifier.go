// Package notification delivers price-move alerts to external channels
// (log, Telegram, generic webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert is one price move worth telling someone about.
type Alert struct {
	Level    AlertLevel    `json:"level"`
	Exchange string        `json:"exchange"`
	Symbol   string        `json:"symbol"`
	Old      float64       `json:"old"`
	New      float64       `json:"new"`
	Pct      float64       `json:"pct"`
	Window   time.Duration `json:"-"`
	At       time.Time     `json:"-"`
}

// Title is the one-line headline, e.g. "binance BTCUSDT +1.25%".
func (a Alert) Title() string {
	return fmt.Sprintf("%s %s %s", a.Exchange, a.Symbol, FormatPct(a.Pct))
}

// Message is the body: price move and window.
func (a Alert) Message() string {
	return fmt.Sprintf("%.6f -> %.6f (%s) over %s", a.Old, a.New, FormatPct(a.Pct), a.Window)
}

// FormatPct renders pct with an explicit sign and two decimals.
func FormatPct(pct float64) string {
	sign := ""
	if pct > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, pct)
}

// LevelFor grades a move against the alert threshold: at least 5x is
// critical, at least 2x is a warning, anything else is info.
func LevelFor(pct, threshold float64) AlertLevel {
	m := math.Abs(pct)
	switch {
	case threshold > 0 && m >= 5*threshold:
		return AlertCritical
	case threshold > 0 && m >= 2*threshold:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title(), alert.Message())
	return nil
}

// Multi sends every alert to all of its notifiers, continuing past failures.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
