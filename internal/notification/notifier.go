// Package notification delivers operator alerts (session loss, live feed
// exhaustion, open circuit breakers) to external channels.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"marketpulse/internal/logger"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Time    time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. Always configured.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.Component(log, "notify")}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title, "alert_level", string(alert.Level), "message", alert.Message)
	return nil
}

// Multi sends to every backend and joins their errors.
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

// Alerter turns service events into alerts. Delivery runs in the
// background so callers on hot paths never block on a slow endpoint, and
// repeats of the same title inside Cooldown are suppressed.
type Alerter struct {
	n        Notifier
	log      *slog.Logger
	Cooldown time.Duration
	Timeout  time.Duration

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
	wg   sync.WaitGroup
}

// NewAlerter wraps n.
func NewAlerter(n Notifier, log *slog.Logger) *Alerter {
	return &Alerter{
		n:        n,
		log:      logger.Component(log, "notify"),
		Cooldown: 5 * time.Minute,
		Timeout:  10 * time.Second,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// SessionInvalid reports that the stored provider session was cleared
// and an operator must log in again.
func (a *Alerter) SessionInvalid(reason string) {
	a.Notify(AlertCritical, "Provider session invalid",
		"Stored tokens were cleared ("+reason+"). Log in again at /auth/login to restore the live feed.")
}

// LiveUnavailable reports that the live stream gave up reconnecting.
func (a *Alerter) LiveUnavailable() {
	a.Notify(AlertWarning, "Live feed unavailable",
		"The stream connection exhausted its reconnect attempts. Serving batch or simulated prices.")
}

// BreakerChanged reports circuit breaker transitions into and out of open.
func (a *Alerter) BreakerChanged(name, from, to string) {
	switch to {
	case "open":
		a.Notify(AlertWarning, "Circuit open: "+name, "Calls to "+name+" are short-circuited after repeated failures.")
	case "closed":
		if from != "closed" {
			a.Notify(AlertInfo, "Circuit closed: "+name, name+" recovered.")
		}
	}
}

// Notify queues an alert unless the same title fired within Cooldown.
func (a *Alerter) Notify(level AlertLevel, title, message string) {
	now := a.now()
	a.mu.Lock()
	if prev, ok := a.last[title]; ok && now.Sub(prev) < a.Cooldown {
		a.mu.Unlock()
		return
	}
	a.last[title] = now
	a.mu.Unlock()

	alert := Alert{Level: level, Title: title, Message: message, Time: now.UTC()}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		defer cancel()
		if err := a.n.Send(ctx, alert); err != nil {
			a.log.Warn("alert delivery failed", "title", title, "error", err)
		}
	}()
}

// Wait blocks until queued alerts have been delivered or failed.
func (a *Alerter) Wait() { a.wg.Wait() }
