package realtime

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Rejection codes returned by the guard.
const (
	RejectionConnectionLimit = "connection_limit"
	RejectionRateLimit       = "rate_limit"
)

// Rejection is a structured guard refusal; the guard never returns
// errors for over-limit clients, only these values.
type Rejection struct {
	Code   string `json:"code"`
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// ConnectionCounter reports how many live connections a user currently
// holds on one transport.
type ConnectionCounter interface {
	UserConnectionCount(userID string) int
}

// GuardConfig caps per-user connections and per-minute message volume.
type GuardConfig struct {
	MaxConnectionsPerUser int
	MaxMessagesPerMinute  int
}

// DefaultGuardConfig returns the caps used when none are configured.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxConnectionsPerUser: 5,
		MaxMessagesPerMinute:  60,
	}
}

type windowKey struct {
	userID string
	minute int64
}

// Guard enforces the per-user connection cap and the per-minute message
// rate cap. The rate cap is a fixed window keyed by (user, minute):
// bursts straddling a window boundary can reach roughly twice the
// nominal rate. That approximation is deliberate and documented, not a
// bug to fix silently.
type Guard struct {
	cfg      GuardConfig
	counters []ConnectionCounter

	mu         sync.Mutex
	windows    map[windowKey]int
	lastMinute int64

	now func() time.Time
}

// NewGuard builds a guard that consults the supplied counters for the
// connection cap.
func NewGuard(cfg GuardConfig, counters ...ConnectionCounter) *Guard {
	def := DefaultGuardConfig()
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if cfg.MaxMessagesPerMinute <= 0 {
		cfg.MaxMessagesPerMinute = def.MaxMessagesPerMinute
	}
	return &Guard{
		cfg:      cfg,
		counters: counters,
		windows:  make(map[windowKey]int),
		now:      time.Now,
	}
}

// AddCounter registers another transport's counter. Called during
// wiring, before traffic starts.
func (g *Guard) AddCounter(c ConnectionCounter) {
	g.counters = append(g.counters, c)
}

// CheckConnection returns nil when the user may open another connection,
// or a conflict rejection once the cap is reached.
func (g *Guard) CheckConnection(userID string) *Rejection {
	total := 0
	for _, c := range g.counters {
		total += c.UserConnectionCount(userID)
	}
	if total >= g.cfg.MaxConnectionsPerUser {
		return &Rejection{
			Code:   RejectionConnectionLimit,
			Status: http.StatusConflict,
			Reason: fmt.Sprintf("user already holds %d of %d allowed connections", total, g.cfg.MaxConnectionsPerUser),
		}
	}
	return nil
}

// CheckMessage counts the message against the user's current window and
// returns a rate rejection once the window exceeds the cap.
func (g *Guard) CheckMessage(userID string) *Rejection {
	minute := g.now().Unix() / 60

	g.mu.Lock()
	defer g.mu.Unlock()

	if minute != g.lastMinute {
		g.pruneLocked(minute)
		g.lastMinute = minute
	}

	key := windowKey{userID: userID, minute: minute}
	g.windows[key]++
	if g.windows[key] > g.cfg.MaxMessagesPerMinute {
		return &Rejection{
			Code:   RejectionRateLimit,
			Status: http.StatusTooManyRequests,
			Reason: fmt.Sprintf("message rate above %d per minute", g.cfg.MaxMessagesPerMinute),
		}
	}
	return nil
}

// pruneLocked drops counters from windows that can no longer be hit.
func (g *Guard) pruneLocked(current int64) {
	for key := range g.windows {
		if key.minute < current {
			delete(g.windows, key)
		}
	}
}
