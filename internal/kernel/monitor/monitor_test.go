package monitor

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/intr"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

func TestHandler_SchedStats(t *testing.T) {
	sys := sched.NewSystem(2, intr.NewModel(2))
	sp, err := space.New(space.CreateUser)
	if err != nil {
		t.Fatal(err)
	}
	info := sched.NewTaskInfo("probe", sched.TypeUser, sched.MaskOf(0), 0)
	sys.CPU(0).Unblock(sched.NewInit(info, sp), false)
	sys.CPU(0).Activate(time.Now())

	h := New(sys).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/stats/sched", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	var stats []SchedStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats for %d CPUs", len(stats))
	}
	if !stats[0].Running || stats[0].RunningTask != info.ID() {
		t.Fatalf("cpu0 = %+v", stats[0])
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/stats/arena", nil))
	var arena ArenaStats
	if err := json.Unmarshal(rec.Body.Bytes(), &arena); err != nil {
		t.Fatal(err)
	}
	if arena.Max == 0 {
		t.Fatal("zero arena capacity")
	}
}
