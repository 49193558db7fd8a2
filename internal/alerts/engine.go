package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/refreshg/Vian/internal/config"
)

const (
	defaultCooldown = 15 * time.Minute
	maxHistoryLen   = 200
	recentWindow    = time.Hour
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Category   string     `json:"category"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

type rule struct {
	config.AlertRule
	cond Condition
}

// Engine evaluates alert rules against polled pipeline figures and delivers
// webhook notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []rule
	webhooks []config.WebhookConfig
	client   *http.Client

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:category"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts

	pending sync.WaitGroup
}

// New creates an Engine from the alert configuration. Every rule condition
// is parsed up front. An Engine with no rules is valid; Evaluate is a no-op.
func New(cfg config.AlertsConfig) (*Engine, error) {
	rules := make([]rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		cond, err := ParseCondition(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("alerts: rule %q: %w", r.Name, err)
		}
		rules = append(rules, rule{AlertRule: r, cond: cond})
	}
	return &Engine{
		rules:    rules,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
	}, nil
}

// Evaluate tests every rule against s at now. Alerts that fire are stored
// and delivered asynchronously; firing alerts whose condition no longer
// holds are resolved.
func (e *Engine) Evaluate(s Subject, now time.Time) {
	for _, r := range e.rules {
		key := r.Name + ":" + s.Category
		fires, value := r.cond.Eval(s)

		e.mu.Lock()
		var notify *Alert
		if fires {
			cooldown := r.Cooldown
			if cooldown <= 0 {
				cooldown = defaultCooldown
			}
			if now.Sub(e.lastFire[key]) > cooldown {
				sev := r.Severity
				if sev == "" {
					sev = "warning"
				}
				a := &Alert{
					ID:       uuid.NewString(),
					RuleName: r.Name,
					Category: s.Category,
					Severity: sev,
					Value:    value,
					Message: fmt.Sprintf("[%s] %s fired on pipeline %s: %s (observed %.2f)",
						sev, r.Name, s.Category, r.Condition, value),
					FiredAt: now,
					State:   "firing",
				}
				e.active[key] = a
				e.lastFire[key] = now
				cp := *a
				notify = &cp
				slog.Warn("alerts: fired",
					"rule", r.Name, "category", s.Category, "value", value, "severity", sev)
			}
		} else if a, ok := e.active[key]; ok {
			resolved := now
			a.State = "resolved"
			a.ResolvedAt = &resolved
			delete(e.active, key)

			e.history = append(e.history, a)
			if len(e.history) > maxHistoryLen {
				e.history = e.history[len(e.history)-maxHistoryLen:]
			}
			cp := *a
			notify = &cp
			slog.Info("alerts: resolved", "rule", r.Name, "category", s.Category)
		}
		e.mu.Unlock()

		if notify != nil && len(e.webhooks) > 0 {
			e.pending.Add(1)
			go func(a *Alert) {
				defer e.pending.Done()
				e.deliver(a)
			}(notify)
		}
	}
}

// Active returns copies of all currently firing alerts plus alerts resolved
// within the hour before now, newest first.
func (e *Engine) Active(now time.Time) []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-recentWindow)
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
	slices.SortFunc(out, func(a, b *Alert) int { return b.FiredAt.Compare(a.FiredAt) })
	return out
}

// Wait blocks until every in-flight webhook delivery has finished.
func (e *Engine) Wait() { e.pending.Wait() }
