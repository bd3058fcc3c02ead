package ratelimit

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrRateLimited = errors.New("rate limited")

// RetryStrategy defines backoff intervals. Attempts past the end of
// Intervals reuse the last one.
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy is the pause applied to a provider after it starts
// rejecting requests.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			1 * time.Minute,
			5 * time.Minute,
			10 * time.Minute,
		},
		MaxRetries: 10,
	}
}

// TileRetryStrategy is the short per-tile schedule used by the fetch queue.
func TileRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals:  []time.Duration{250 * time.Millisecond, time.Second, 2 * time.Second},
		MaxRetries: 2,
	}
}

// Backoff returns the wait before retry number attempt (0-based).
func (s *RetryStrategy) Backoff(attempt int) time.Duration {
	if s == nil || len(s.Intervals) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s.Intervals) {
		return s.Intervals[len(s.Intervals)-1]
	}
	return s.Intervals[attempt]
}

// Event represents a rate limit occurrence
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	StatusCode   int       `json:"statusCode"`
	RetryAttempt int       `json:"retryAttempt"` // 0 = first occurrence
	NextRetryAt  time.Time `json:"nextRetryAt"`
	Message      string    `json:"message"`
}

// Handler tracks which providers are rate limited and until when.
type Handler struct {
	mu          sync.RWMutex
	rateLimited map[string]*Event
	strategy    *RetryStrategy
	log         *zap.Logger
	now         func() time.Time
	onRateLimit func(event Event)
	onRecovered func(provider string)
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, log *zap.Logger) *Handler {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	return &Handler{
		rateLimited: make(map[string]*Event),
		strategy:    strategy,
		log:         log.Named("ratelimit"),
		now:         time.Now,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(provider string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsRateLimited reports whether provider is inside its back-off window.
func (h *Handler) IsRateLimited(provider string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.rateLimited[provider]
	return ok && h.now().Before(e.NextRetryAt)
}

// IsRateLimitStatus reports whether an HTTP status signals throttling.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusForbidden || // some providers use 403 for throttling
		code == 509 // Bandwidth Limit Exceeded
}

// CheckResponse records a rate limit for provider when statusCode signals
// one and returns an error wrapping ErrRateLimited. Any other status clears
// a previous rate limit.
func (h *Handler) CheckResponse(provider string, statusCode int) error {
	if !IsRateLimitStatus(statusCode) {
		h.checkRecovery(provider)
		return nil
	}
	e := h.recordRateLimit(provider, statusCode)
	return errors.Wrapf(ErrRateLimited, "%s: HTTP %d, retry after %s",
		provider, statusCode, e.NextRetryAt.Format(time.RFC3339))
}

func (h *Handler) recordRateLimit(provider string, statusCode int) Event {
	h.mu.Lock()
	attempt := 0
	if existing, ok := h.rateLimited[provider]; ok {
		attempt = existing.RetryAttempt + 1
	}
	now := h.now()
	next := now.Add(h.strategy.Backoff(attempt))
	e := Event{
		Timestamp:    now,
		Provider:     provider,
		StatusCode:   statusCode,
		RetryAttempt: attempt,
		NextRetryAt:  next,
		Message:      buildMessage(provider, statusCode, attempt, next.Sub(now)),
	}
	h.rateLimited[provider] = &e
	cb := h.onRateLimit
	h.mu.Unlock()

	h.log.Warn("provider rate limited",
		zap.String("provider", provider),
		zap.Int("status", statusCode),
		zap.Int("attempt", attempt),
		zap.Time("nextRetryAt", next))

	if cb != nil {
		cb(e)
	}
	return e
}

// checkRecovery checks if we've recovered from a rate limit
func (h *Handler) checkRecovery(provider string) {
	h.mu.Lock()
	_, ok := h.rateLimited[provider]
	delete(h.rateLimited, provider)
	cb := h.onRecovered
	h.mu.Unlock()

	if ok {
		h.log.Info("provider rate limit cleared", zap.String("provider", provider))
		if cb != nil {
			cb(provider)
		}
	}
}

// Reset forgets the rate limit of provider so the next request goes out.
func (h *Handler) Reset(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rateLimited, provider)
}

// CurrentState returns a copy of the rate limit state for a provider, or nil.
func (h *Handler) CurrentState(provider string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.rateLimited[provider]; ok {
		cp := *e
		return &cp
	}
	return nil
}

func buildMessage(provider string, statusCode, attempt int, wait time.Duration) string {
	if attempt == 0 {
		return fmt.Sprintf("%s rate limit detected (HTTP %d). Requests paused for %s.",
			provider, statusCode, wait.Round(time.Second))
	}
	return fmt.Sprintf("%s still rate limited (attempt %d). Next try in %s.",
		provider, attempt+1, wait.Round(time.Second))
}
