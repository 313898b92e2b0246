package observes

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/enclave-dev/enclave/config"
)

// NewSentry initializes the sentry client from config. A nil or empty
// config disables reporting without error.
func NewSentry(c *config.Sentry) error {
	if c == nil || c.Endpoint == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              c.Endpoint,
		AttachStacktrace: true,
		TracesSampleRate: c.SampleRate,
		Release:          c.Release,
		Environment:      c.Environment,
	})
}

// CaptureError reports err with the plugin it relates to.
func CaptureError(err error, plugin string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if plugin != "" {
			scope.SetTag("plugin", plugin)
		}
		sentry.CaptureException(err)
	})
}

// Flush drains buffered events, used on shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
