// Package reporting forwards failed watch cycles to Sentry.
package reporting

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/suspectuso/cashier/internal/reconcile"
)

// Reporter captures job errors. A zero DSN makes it log only.
type Reporter struct {
	hub *sentry.Hub
	log *slog.Logger
}

// New initializes Sentry when dsn is set
func New(dsn, environment, release string, log *slog.Logger) (*Reporter, error) {
	if dsn == "" {
		log.Info("error reporting disabled")
		return &Reporter{log: log}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	log.Info("error reporting enabled", "environment", environment)
	return &Reporter{
		hub: sentry.NewHub(client, sentry.NewScope()),
		log: log,
	}, nil
}

// Report sends a failed job invocation. Source outages are expected and
// only logged.
func (r *Reporter) Report(job string, err error) {
	if err == nil || r.hub == nil {
		return
	}
	if errors.Is(err, reconcile.ErrSourceUnavailable) {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job", job)
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func (r *Reporter) Flush(timeout time.Duration) {
	if r.hub == nil {
		return
	}
	if !r.hub.Flush(timeout) {
		r.log.Warn("sentry flush timed out")
	}
}
