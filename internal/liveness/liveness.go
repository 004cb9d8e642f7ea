// Package liveness signals that the process is alive by touching a file.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// ErrStale means the sentinel was not touched within the threshold
var ErrStale = errors.New("liveness sentinel is stale")

// Reporter periodically touches the sentinel file
type Reporter struct {
	path     string
	interval time.Duration
	log      *slog.Logger
}

// NewReporter creates a new Reporter
func NewReporter(path string, interval time.Duration, log *slog.Logger) *Reporter {
	return &Reporter{
		path:     path,
		interval: interval,
		log:      log,
	}
}

// Run touches the sentinel right away and then every interval until ctx is done
func (r *Reporter) Run(ctx context.Context) {
	r.log.Info("liveness reporter started", "path", r.path, "interval", r.interval)

	if err := Touch(r.path); err != nil {
		r.log.Error("touch liveness sentinel", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := Touch(r.path); err != nil {
				r.log.Error("touch liveness sentinel", "error", err)
			}
		}
	}
}

// Touch creates the file or updates its modification time
func Touch(path string) error {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("update times: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create sentinel: %w", err)
	}
	return f.Close()
}

// Check returns ErrStale when the sentinel is missing or older than threshold
func Check(path string, threshold time.Duration, now time.Time) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", ErrStale, path)
	}
	if err != nil {
		return fmt.Errorf("stat sentinel: %w", err)
	}

	if age := now.Sub(info.ModTime()); age > threshold {
		return fmt.Errorf("%w: last touched %s ago", ErrStale, age.Round(time.Second))
	}
	return nil
}
