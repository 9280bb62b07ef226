package boot

import (
	"testing"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
)

func TestStartupArgs_RoundTrip(t *testing.T) {
	sa := &StartupArgs{
		Handles: []StartupEntry{
			{Info: HandleVDSO, Handle: 3},
			{Info: HandleRootVirt, Handle: 7},
			{Info: HandleLog, Handle: 1},
		},
		Args:    []string{"init", "--verbose"},
		Environ: []string{"PATH=/bin", "TERM=dumb"},
	}
	got, err := DecodeStartupArgs(sa.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Handles) != 3 {
		t.Fatalf("handles = %v", got.Handles)
	}
	for i, ent := range sa.Handles {
		if got.Handles[i] != ent {
			t.Fatalf("handle %d = %+v, want %+v", i, got.Handles[i], ent)
		}
	}
	if len(got.Args) != 2 || got.Args[0] != "init" || got.Args[1] != "--verbose" {
		t.Fatalf("args = %v", got.Args)
	}
	if len(got.Environ) != 2 || got.Environ[0] != "PATH=/bin" {
		t.Fatalf("environ = %v", got.Environ)
	}
}

func TestStartupArgs_Empty(t *testing.T) {
	sa := &StartupArgs{}
	got, err := DecodeStartupArgs(sa.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Handles) != 0 || len(got.Args) != 0 || len(got.Environ) != 0 {
		t.Fatalf("decoded %+v from empty args", got)
	}
}

func TestDecodeStartupArgs_Garbage(t *testing.T) {
	for _, data := range [][]byte{nil, {1}, {9, 9, 9, 9}, {1, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}} {
		if _, err := DecodeStartupArgs(data); !kerr.Is(err, kerr.InvalidArgument) {
			t.Fatalf("garbage %v decoded: %v", data, err)
		}
	}
}

func TestCheckABI(t *testing.T) {
	cases := []struct {
		constraint string
		ok         bool
	}{
		{"", true},
		{"^0.3", true},
		{">=0.3.0", true},
		{"^1.0", false},
		{"not-a-range", false},
	}
	for _, tc := range cases {
		err := CheckABI(tc.constraint)
		if tc.ok && err != nil {
			t.Fatalf("constraint %q refused: %v", tc.constraint, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("constraint %q accepted", tc.constraint)
		}
	}
}
