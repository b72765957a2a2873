package player

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/atekin/mprt/internal/buildinfo"
	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/errors"
)

// sentryDedupWindow suppresses repeats of the same error report.
const sentryDedupWindow = time.Minute

// InitTelemetry starts Sentry error reporting when enabled in settings. The
// returned function flushes pending events and detaches the reporter.
func InitTelemetry(settings conf.TelemetrySettings, build *buildinfo.Context) (func(), error) {
	if !settings.Enabled {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
		Release:          "mprt@" + build.GetVersion(),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("player").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry-init").
			Build()
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("session", build.GetSessionID())
	})
	errors.SetTelemetryReporter(errors.NewSentryReporter(true, sentryDedupWindow))

	return func() {
		errors.SetTelemetryReporter(nil)
		sentry.Flush(2 * time.Second)
	}, nil
}
