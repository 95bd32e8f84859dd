package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rotortrack/rotortrack/pkg/types"
	"github.com/rotortrack/rotortrack/server/internal/config"
	"github.com/rotortrack/rotortrack/server/internal/fleet"
)

const (
	maxHistoryLen     = 200
	recentWindowHours = 24
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one rotor replacement alert.
type Alert struct {
	ID         string         `json:"id"`
	BusID      int64          `json:"bus_id"`
	BusNumber  string         `json:"bus_number"`
	Position   types.Position `json:"position"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	MilesLeft  int64          `json:"miles_left"`
	FiredAt    time.Time      `json:"fired_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
	State      string         `json:"state"` // "firing" | "resolved"
}

// Engine tracks which rotors are in alert across evaluations and delivers
// webhook notifications when a rotor alert fires or resolves.
//
// Engine is safe for concurrent use.
type Engine struct {
	cooldown time.Duration
	client   *http.Client
	now      func() time.Time

	mu       sync.Mutex
	webhooks []config.WebhookConfig
	active   map[string]*Alert    // key: "busNumber:position"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
}

// New creates an Engine from the alert configuration.
func New(cfg config.AlertsConfig) *Engine {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = config.DefaultAlertCooldown
	}
	return &Engine{
		cooldown: cooldown,
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// SetWebhooks replaces the delivery targets. Used on config reload.
func (e *Engine) SetWebhooks(hooks []config.WebhookConfig) {
	e.mu.Lock()
	e.webhooks = append([]config.WebhookConfig(nil), hooks...)
	e.mu.Unlock()
}

func alertKey(busNumber string, pos types.Position) string {
	return busNumber + ":" + string(pos)
}

// Evaluate compares the rotors of snap with the engine state. A rotor whose
// alert flag is set fires unless it is already firing or inside the cooldown;
// a firing rotor whose flag cleared, or whose position the bus no longer has,
// resolves. Notifications are delivered before Evaluate returns, bounded by
// ctx.
func (e *Engine) Evaluate(ctx context.Context, snap fleet.BusSnapshot) {
	now := e.now()
	var pending []Alert
	current := make(map[string]bool, len(snap.Rotors))

	e.mu.Lock()
	for _, r := range snap.Rotors {
		key := alertKey(snap.Bus.Number, r.Position)
		current[key] = true
		cur, firing := e.active[key]

		if r.Alert {
			left := int64(0)
			if r.MilesLeft != nil {
				left = *r.MilesLeft
			}
			if firing {
				// Keep the figures current without re-notifying.
				cur.MilesLeft = left
				cur.Severity = severityFor(left)
				continue
			}
			if last, ok := e.lastFire[key]; ok && now.Sub(last) < e.cooldown {
				continue
			}
			sev := severityFor(left)
			a := &Alert{
				ID:        uuid.NewString(),
				BusID:     snap.Bus.ID,
				BusNumber: snap.Bus.Number,
				Position:  r.Position,
				Severity:  sev,
				MilesLeft: left,
				Message: fmt.Sprintf("Bus %s: %s (%d miles left)",
					snap.Bus.Number, fleet.AlertMessage(r.Position), left),
				FiredAt: now,
				State:   StateFiring,
			}
			e.active[key] = a
			e.lastFire[key] = now
			pending = append(pending, *a)

			slog.Warn("alerts: rotor alert fired",
				"bus", snap.Bus.Number,
				"position", r.Position,
				"miles_left", left,
				"severity", sev,
			)
			continue
		}

		if firing {
			pending = append(pending, *e.resolveLocked(key, cur, now))
			slog.Info("alerts: rotor alert resolved",
				"bus", snap.Bus.Number,
				"position", r.Position,
			)
		}
	}

	// Positions the bus no longer has, e.g. centre rotors after a switch to
	// a standard layout.
	for key, a := range e.active {
		if a.BusID != snap.Bus.ID || current[key] {
			continue
		}
		pending = append(pending, *e.resolveLocked(key, a, now))
		slog.Info("alerts: rotor alert resolved",
			"bus", a.BusNumber,
			"position", a.Position,
			"reason", "position removed",
		)
	}
	hooks := e.webhooks
	e.mu.Unlock()

	for i := range pending {
		e.deliver(ctx, hooks, &pending[i])
	}
}

// Forget resolves every firing alert of the bus, e.g. after the bus was
// deleted. No notifications are sent.
func (e *Engine) Forget(busID int64) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, a := range e.active {
		if a.BusID == busID {
			e.resolveLocked(key, a, now)
		}
	}
}

// resolveLocked moves a from active to history. e.mu must be held.
func (e *Engine) resolveLocked(key string, a *Alert, now time.Time) *Alert {
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	return a
}

func severityFor(milesLeft int64) string {
	if milesLeft <= 0 {
		return SeverityCritical
	}
	return SeverityWarning
}

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past day, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return latest(out[i]).After(latest(out[j]))
	})
	return out
}

// FiringCount reports how many rotor alerts are currently firing.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func latest(a *Alert) time.Time {
	if a.ResolvedAt != nil {
		return *a.ResolvedAt
	}
	return a.FiredAt
}
