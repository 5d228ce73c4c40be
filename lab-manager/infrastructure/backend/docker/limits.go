package docker

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// ParseMemoryLimit converts values like "512m" or "2g" to bytes. Empty means
// unlimited.
func ParseMemoryLimit(limit string) (int64, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" {
		return 0, nil
	}

	bytes, err := units.RAMInBytes(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	return bytes, nil
}

// ParseCPULimit converts fractional cores ("0.5", "2") to NanoCPUs.
func ParseCPULimit(limit string) (int64, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" {
		return 0, nil
	}

	cores, err := strconv.ParseFloat(limit, 64)
	if err != nil || cores <= 0 {
		return 0, fmt.Errorf("invalid cpu limit %q", limit)
	}
	return int64(cores * 1e9), nil
}
