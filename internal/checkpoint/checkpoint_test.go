package checkpoint

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeString(s string) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func TestRestoreEmpty(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	called := false
	state, ok, err := m.Restore(func(io.Reader) error { called = true; return nil })
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok || called || state != (State{}) {
		t.Errorf("Restore on empty dir = %+v, %v (called=%v)", state, ok, called)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	want := State{UsedEpoch: 2, UsedMinibatch: 40, UsedSample: 1280, Offset: 640, RandomSeed: 2}
	name, err := m.Save(want, writeString("weights-v1"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if name != "ckpt-1" {
		t.Errorf("name = %q, want ckpt-1", name)
	}
	var buf bytes.Buffer
	got, ok, err := m.Restore(func(r io.Reader) error {
		_, err := io.Copy(&buf, r)
		return err
	})
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	if got != want {
		t.Errorf("state = %+v, want %+v", got, want)
	}
	if buf.String() != "weights-v1" {
		t.Errorf("weights = %q", buf.String())
	}
}

func TestSaveKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, WithKeep(3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	for i := int64(1); i <= 5; i++ {
		if _, err := m.Save(State{Offset: i}, writeString("w")); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	names, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names, ",") != "ckpt-3,ckpt-4,ckpt-5" {
		t.Errorf("names = %v", names)
	}
	for _, gone := range []string{"ckpt-1", "ckpt-2"} {
		if _, err := os.Stat(filepath.Join(dir, gone)); !os.IsNotExist(err) {
			t.Errorf("%s should be pruned, stat err = %v", gone, err)
		}
	}
	state, ok, err := LatestState(dir)
	if err != nil || !ok || state.Offset != 5 {
		t.Errorf("LatestState = %+v, %v, %v", state, ok, err)
	}
	index, _ := os.ReadFile(filepath.Join(dir, IndexFileName))
	if string(index) != "ckpt-3\nckpt-4\nckpt-5\n" {
		t.Errorf("index = %q", index)
	}
}

func TestSaveFailureLeavesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if _, err := m.Save(State{Offset: 1}, writeString("good")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	boom := errors.New("disk full")
	if _, err := m.Save(State{Offset: 2}, func(io.Writer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Save error = %v, want %v", err, boom)
	}
	name, ok, err := m.Latest()
	if err != nil || !ok || name != "ckpt-1" {
		t.Errorf("Latest = %q, %v, %v", name, ok, err)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temporary directory left behind: %s", e.Name())
		}
	}
}

func TestOpenLocked(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open error = %v, want ErrLocked", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m2, err := Open(dir)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	_ = m2.Close()
}

func TestListMalformedIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IndexFileName), []byte("ckpt-1\nbogus\n"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()
	if _, err := m.List(); err == nil {
		t.Error("expected error for malformed index")
	}
}
