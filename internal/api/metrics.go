package api

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// ServerMetrics собирает сведения о процессе сервера
type ServerMetrics struct {
	StartTime time.Time
	proc      *process.Process
}

// ServerInfo: ответ /api/server
type ServerInfo struct {
	Version       string  `json:"version"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heapAllocMb"`
	RSSMB         float64 `json:"rssMb,omitempty"`
	CPUPercent    float64 `json:"cpuPercent"`
	NumGC         uint32  `json:"numGc"`
}

// NewServerMetrics создает новый экземпляр метрик
func NewServerMetrics() *ServerMetrics {
	sm := &ServerMetrics{StartTime: time.Now()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = proc
	}
	return sm
}

// Snapshot возвращает текущие показатели процесса.
// Недоступные показатели gopsutil остаются нулевыми.
func (sm *ServerMetrics) Snapshot() ServerInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(sm.StartTime)
	info := ServerInfo{
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(m.HeapAlloc) / 1024 / 1024,
		NumGC:         m.NumGC,
	}

	if sm.proc != nil {
		if mem, err := sm.proc.MemoryInfo(); err == nil {
			info.RSSMB = float64(mem.RSS) / 1024 / 1024
		}
	}
	info.CPUPercent, _ = sm.CPUUsage()
	return info
}

// CPUUsage возвращает использование CPU процессом в процентах
func (sm *ServerMetrics) CPUUsage() (float64, error) {
	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			return pct, nil
		}
	}

	// Если не удалось получить метрику процесса, берём системную без ожидания
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}
