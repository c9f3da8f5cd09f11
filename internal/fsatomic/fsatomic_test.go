package fsatomic

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.json")

	in := doc{Name: "tank", Count: 3}
	if err := SaveJSON(path, in, 0o600); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out doc
	ok, err := LoadJSON(path, &out)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var out doc
	ok, err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected exists=false for missing file")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.json")
	if err := SaveJSON(path, doc{Name: "a"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	stray, _ := filepath.Glob(path + ".tmp-*")
	if len(stray) != 0 {
		t.Fatalf("temp files left behind: %v", stray)
	}
}

func TestLoadLeavesWriterTempAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.json")
	if err := SaveJSON(path, doc{Name: "a"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	tmp := path + ".tmp-live"
	if err := os.WriteFile(tmp, []byte("{partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out doc
	if _, err := LoadJSON(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Fatal("load must not remove another writer's temp file")
	}
}

func TestRemoveStaleTemps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pools.json")
	if err := SaveJSON(path, doc{Name: "a"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := path + ".tmp-12345"
	if err := os.WriteFile(stale, []byte("{partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	RemoveStaleTemps(path)
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale temp not cleaned up")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("target file must survive cleanup")
	}
}

func TestWithLockSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.json")
	n := 0
	done := make(chan struct{})
	go func() {
		_ = WithLock(path, func() error { n++; return nil })
		close(done)
	}()
	<-done
	if err := WithLock(path, func() error { n++; return nil }); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected both sections to run, got %d", n)
	}
}
