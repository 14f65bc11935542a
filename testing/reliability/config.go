package reliability

import (
	"os"
	"strconv"
	"time"
)

// Config holds the knobs of the reliability suite. VTRACE_RELIABILITY_LEVEL
// selects the suite: "basic" is CI-safe, "stress" runs longer and wider.
type Config struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // how long sustained tests run
	MaxGoroutines int           // producers in concurrent tests
}

func loadConfig() Config {
	return Config{
		Level:         os.Getenv("VTRACE_RELIABILITY_LEVEL"),
		Duration:      parseDuration(os.Getenv("VTRACE_RELIABILITY_DURATION"), 5*time.Second),
		MaxGoroutines: parseInt(os.Getenv("VTRACE_RELIABILITY_MAX_GOROUTINES"), 64),
	}
}

func parseInt(s string, fallback int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
