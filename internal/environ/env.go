package environ

import (
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/kube-openapi/pkg/validation/strfmt"
)

func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}

	return fallback
}

func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}

	return fallback
}

// GetDuration parses the value of key as a duration. Plain numbers are taken as
// seconds (SCRAPE_TIME=10), anything else must be a Go or strfmt duration ("10s", "1d").
func GetDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)

	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := strfmt.ParseDuration(value); err == nil {
		return t
	}
	return fallback
}
