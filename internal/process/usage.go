// Package process reads the daemon's own CPU and memory usage from
// /proc, for the periodic resource log line. A recorder runs unattended
// for months; a cheap self-usage gauge in the logs is often the first
// hint that a camera's bitrate changed or a directory pool is thrashing.
package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProcUsage holds CPU (percent since process start) and memory (resident
// bytes) usage.
type ProcUsage struct {
	PID int     `json:"pid"`
	CPU float64 `json:"cpu"`
	Mem uint64  `json:"mem"`
}

// GetSelfUsage returns usage for the current process.
func GetSelfUsage() (*ProcUsage, error) {
	pid := os.Getpid()

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("reading stat for %d: %w", pid, err)
	}
	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return nil, fmt.Errorf("reading statm for %d: %w", pid, err)
	}

	fields := strings.Fields(string(stat))
	if len(fields) < 22 {
		return nil, fmt.Errorf("unexpected stat shape for %d: %d fields", pid, len(fields))
	}
	utime, err := strconv.ParseFloat(fields[13], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing utime: %w", err)
	}
	stime, err := strconv.ParseFloat(fields[14], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing stime: %w", err)
	}
	starttime, err := strconv.ParseFloat(fields[21], 64)
	if err != nil {
		return nil, fmt.Errorf("parsing starttime: %w", err)
	}

	uptime := 0.0
	if b, err := os.ReadFile("/proc/uptime"); err == nil {
		if f := strings.Fields(string(b)); len(f) > 0 {
			uptime, _ = strconv.ParseFloat(f[0], 64)
		}
	}

	const clkTck = 100 // Linux default
	cpuPercent := 0.0
	if seconds := uptime - starttime/clkTck; seconds > 0 {
		cpuPercent = 100 * ((utime + stime) / clkTck) / seconds
	}

	mem := uint64(0)
	if f := strings.Fields(string(statm)); len(f) > 1 {
		if pages, err := strconv.ParseUint(f[1], 10, 64); err == nil {
			mem = pages * uint64(os.Getpagesize())
		}
	}

	return &ProcUsage{PID: pid, CPU: cpuPercent, Mem: mem}, nil
}
