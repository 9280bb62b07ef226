package kconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "h2o.conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
# kernel parameters
ncpu = 2
time_slice = 15ms
channel_depth = 64
log_level = debug
`)
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.NCPU != 2 || p.TimeSlice != 15*time.Millisecond || p.ChannelDepth != 64 {
		t.Fatalf("loaded %+v", p)
	}
	if p.LogLevel != "debug" {
		t.Fatalf("log level %q", p.LogLevel)
	}
	// Untouched keys keep their defaults.
	if p.HandleCap != Defaults().HandleCap {
		t.Fatalf("handle cap %d", p.HandleCap)
	}
}

func TestLoad_Rejects(t *testing.T) {
	for _, content := range []string{
		"ncpu = zero",
		"ncpu = 0",
		"time_slice = -5ms",
		"bogus_key = 1",
		"no equals sign",
		"log_level = loud",
	} {
		path := writeFile(t, content)
		if _, err := Load(path); err == nil {
			t.Fatalf("accepted %q", content)
		}
	}
}

func TestStore_WatchReloads(t *testing.T) {
	path := writeFile(t, "ncpu = 2\n")
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	store := NewStore(p)

	reloaded := make(chan Parameters, 1)
	store.Subscribe(func(p Parameters) {
		select {
		case reloaded <- p:
		default:
		}
	})
	stop, err := store.Watch(path)
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("ncpu = 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-reloaded:
		if p.NCPU != 8 {
			t.Fatalf("reloaded ncpu = %d", p.NCPU)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload never arrived")
	}
	if store.Get().NCPU != 8 {
		t.Fatalf("store kept ncpu = %d", store.Get().NCPU)
	}
}
