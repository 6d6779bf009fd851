// Package sysload samples host load for timing records and timeout scaling.
package sysload

import (
	"os"
	"strconv"
	"strings"
)

// Sample is a point-in-time host load reading.
type Sample struct {
	Load1 float64 `json:"load1"` // 1-minute load average
}

// Read returns the current load sample. On hosts without /proc/loadavg the
// sample is zero, which disables load-based timeout scaling.
func Read() Sample {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return Sample{}
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return Sample{}
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Sample{}
	}
	return Sample{Load1: load}
}
