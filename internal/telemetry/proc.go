package telemetry

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// cpuTimes are the aggregate jiffies from the first /proc/stat line.
type cpuTimes struct {
	idle  uint64
	total uint64
	valid bool
}

// readCPUTimes parses the "cpu" aggregate line. On platforms without
// /proc the reading is marked invalid and utilization degrades to zero.
func readCPUTimes() (cpuTimes, bool) {
	raw, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				continue
			}
			t.total += v
			// idle + iowait
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		t.valid = true
		return t, true
	}
	return cpuTimes{}, false
}

// cpuUtilization returns percent busy since the previous reading.
func cpuUtilization(prev cpuTimes) (float64, cpuTimes) {
	cur, ok := readCPUTimes()
	if !ok || !prev.valid || cur.total <= prev.total {
		return 0, cur
	}
	dTotal := float64(cur.total - prev.total)
	dIdle := float64(cur.idle - prev.idle)
	util := 100 * (dTotal - dIdle) / dTotal
	if util < 0 {
		util = 0
	}
	if util > 100 {
		util = 100
	}
	return util, cur
}

// readMemory reads /proc/meminfo, falling back to Go heap statistics when
// the file is unavailable.
func readMemory() MemoryStats {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys == 0 {
			return MemoryStats{}
		}
		return MemoryStats{
			UsagePercent: 100 * float64(m.Alloc) / float64(m.Sys),
			AvailableGB:  float64(m.Sys-m.Alloc) / (1 << 30),
		}
	}

	var totalKB, availKB uint64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return MemoryStats{}
	}
	return MemoryStats{
		UsagePercent: 100 * float64(totalKB-availKB) / float64(totalKB),
		AvailableGB:  float64(availKB) / (1 << 20),
	}
}
