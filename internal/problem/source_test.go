package problem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	src := FileSource{
		Path:     path,
		Fallback: Params{Parameters: map[string]float64{"F": 0, "m": 100}},
	}

	write("parameters:\n  F: 10\n")
	p, err := src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if p.Parameters["F"] != 10 || p.Parameters["m"] != 100 {
		t.Errorf("unexpected snapshot: %+v", p)
	}

	// External rewrite between steps is picked up on the next snapshot.
	write("parameters:\n  F: 25\n")
	p, err = src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if p.Parameters["F"] != 25 {
		t.Errorf("expected hot-reloaded F=25, got %v", p.Parameters["F"])
	}

	write("parameters: [not, a, map")
	if _, err := src.Snapshot(); err == nil {
		t.Error("expected error for malformed snapshot")
	}
}

func TestStaticSource(t *testing.T) {
	sys, err := Compile(springDoc())
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	src := FromSystem(sys)
	p, err := src.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if p.Parameters["m"] != 100 || p.LogicParameters["threshold"] != 0 {
		t.Errorf("unexpected snapshot: %+v", p)
	}
}
