package ws

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats describes the relay process itself.
type ProcessStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  float64 `json:"uptimeSec"`
}

// readProcessStats fills what it can; a failing read leaves its field zero.
func readProcessStats(started time.Time) ProcessStats {
	ps := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  time.Since(started).Seconds(),
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ps
	}
	if mem, err := p.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	return ps
}
