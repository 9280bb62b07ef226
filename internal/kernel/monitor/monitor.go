// Package monitor serves the kernel's stats/debug endpoint over HTTP/3:
// per-CPU scheduler state and handle arena occupancy, JSON-encoded for
// tooling. Channel queue depths are not reported.
package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

// SchedStats is one CPU's scheduler snapshot.
type SchedStats struct {
	CPU             int    `json:"cpu"`
	QueueLen        int    `json:"queue_len"`
	Running         bool   `json:"running"`
	RunningTask     uint64 `json:"running_task,omitempty"`
	ExpectedRuntime int64  `json:"expected_runtime_ms"`
}

// ArenaStats is the handle arena snapshot.
type ArenaStats struct {
	Live int `json:"live"`
	Max  int `json:"max"`
}

// Monitor exposes kernel state over HTTP.
type Monitor struct {
	sys *sched.System
}

// New builds a monitor over the scheduler fleet.
func New(sys *sched.System) *Monitor {
	return &Monitor{sys: sys}
}

// Handler returns the endpoint's route table.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats/sched", m.handleSched)
	mux.HandleFunc("/stats/arena", m.handleArena)
	return mux
}

func (m *Monitor) handleSched(w http.ResponseWriter, r *http.Request) {
	stats := make([]SchedStats, 0, m.sys.CPUCount())
	for cpu := 0; cpu < m.sys.CPUCount(); cpu++ {
		s := m.sys.CPU(cpu)
		st := SchedStats{
			CPU:             cpu,
			QueueLen:        s.QueueLen(),
			ExpectedRuntime: m.sys.ExpectedRuntime(cpu),
		}
		if cur := s.Current(); cur != nil {
			st.Running = true
			st.RunningTask = cur.Info().ID()
		}
		stats = append(stats, st)
	}
	writeJSON(w, stats)
}

func (m *Monitor) handleArena(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ArenaStats{Live: handle.ArenaCount(), Max: handle.MaxHandleCount})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
