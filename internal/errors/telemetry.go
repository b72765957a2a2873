package errors

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

// SentryReporter implements TelemetryReporter for Sentry. Identical
// component/category/message triples are reported at most once per window.
type SentryReporter struct {
	enabled bool
	window  time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool, window time.Duration) *SentryReporter {
	return &SentryReporter{
		enabled: enabled,
		window:  window,
		seen:    make(map[string]time.Time),
	}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with privacy protection
func (sr *SentryReporter) ReportError(ee *EnhancedError) {
	if !sr.enabled || ee.IsReported() || ee.Category == CategoryValidation {
		return
	}

	message := scrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))
	if !sr.allow(ee.GetComponent() + "|" + string(ee.Category) + "|" + message) {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.Err))
		for key, value := range ee.GetContext() {
			if s, ok := value.(string); ok {
				value = scrubMessage(s)
			}
			scope.SetContext(key, map[string]any{"value": value})
		}
		scope.SetLevel(levelFor(ee.Category))
		scope.SetFingerprint([]string{ee.GetComponent(), string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = levelFor(ee.Category)
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s %s", ee.GetComponent(), ee.Category),
			Value: message,
		}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

func (sr *SentryReporter) allow(key string) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	now := time.Now()
	if last, ok := sr.seen[key]; ok && now.Sub(last) < sr.window {
		return false
	}
	sr.seen[key] = now
	return true
}

func levelFor(category ErrorCategory) sentry.Level {
	switch category {
	case CategoryTimeout, CategoryInput, CategoryOutput:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

var (
	reporterMu     sync.RWMutex
	globalReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	globalReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMu.RLock()
	defer reporterMu.RUnlock()
	return globalReporter
}

func reportToTelemetry(ee *EnhancedError) {
	if r := GetTelemetryReporter(); r != nil && r.IsEnabled() {
		r.ReportError(ee)
	}
}

var (
	queryRegex  = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	secretRegex = regexp.MustCompile(`(?i)(api[_-]?key|token|auth|dsn)[=:]\S+`)
	homeRegex   = regexp.MustCompile(`/(home|Users)/[^/\s]+`)
)

// scrubMessage strips query strings, credentials and user home directories.
func scrubMessage(message string) string {
	scrubbed := queryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	scrubbed = secretRegex.ReplaceAllString(scrubbed, "[REDACTED]")
	return homeRegex.ReplaceAllString(scrubbed, "/$1/[USER]")
}
