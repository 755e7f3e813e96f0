// Package util holds small shared helpers with no better home.
package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemSpec converts a human memory spec into bytes.
//
// Accepted forms: "N" (bytes), "Nb", "Nk", "Nm", "Ng", "Nt" and "N%"
// (case-insensitive). N may be a float for the k/m/g/t units; bytes and
// percent take integers. Percent is relative to memoryLimit. An empty
// spec parses to 0.
func ParseMemSpec(spec string, memoryLimit int64) (int64, error) {
	if spec == "" {
		return 0, nil
	}

	numStr := spec[:len(spec)-1]
	var multiplier int64 = -1
	isPercent := false

	switch spec[len(spec)-1] {
	case 't', 'T':
		multiplier = 1024 * 1024 * 1024 * 1024
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
	case 'm', 'M':
		multiplier = 1024 * 1024
	case 'k', 'K':
		multiplier = 1024
	case 'b', 'B':
	case '%':
		isPercent = true
	default:
		// No unit given, the whole string is a byte count.
		numStr = spec
	}

	if multiplier != -1 {
		val, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
		if err != nil {
			return 0, fmt.Errorf("parse mem spec %q: %w", spec, err)
		}
		return int64(float64(multiplier) * val), nil
	}

	val, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mem spec %q: %w", spec, err)
	}
	if isPercent {
		return int64(float64(val) / 100.0 * float64(memoryLimit)), nil
	}
	return val, nil
}
