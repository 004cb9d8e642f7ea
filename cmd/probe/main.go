// Command probe exits non-zero when the cashier stopped touching its
// liveness sentinel. Meant for container liveness checks.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/suspectuso/cashier/internal/config"
	"github.com/suspectuso/cashier/internal/liveness"
)

func main() {
	_ = godotenv.Load()

	os.Exit(run(os.Getenv, time.Now(), os.Stderr))
}

// run returns 0 for a fresh sentinel, 1 for a stale one and 2 when the
// threshold cannot be parsed.
func run(getenv func(string) string, now time.Time, stderr io.Writer) int {
	path := getenv(config.Prefix + "LIVENESS")
	if path == "" {
		path = "/tmp/liveness"
	}

	threshold := 60 * time.Second
	if val := getenv(config.Prefix + "LIVENESS_THRESHOLD"); val != "" {
		d, err := config.ParseDuration(val)
		if err != nil {
			fmt.Fprintf(stderr, "invalid %sLIVENESS_THRESHOLD: %v\n", config.Prefix, err)
			return 2
		}
		threshold = d
	}

	if err := liveness.Check(path, threshold, now); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
