// Package checkpoint persists training progress together with model weights.
//
// Each snapshot is a directory ckpt-<seq> holding state.json and model.bin. Snapshots are
// written to a temporary directory and renamed into place, then recorded in the index file
// "checkpoint" (one snapshot name per line, newest last). Only the newest Keep snapshots
// are retained.
package checkpoint

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

const (
	IndexFileName  = "checkpoint"
	StateFileName  = "state.json"
	ModelFileName  = "model.bin"
	DefaultKeep    = 3
	lockFileName   = ".lock"
	snapshotPrefix = "ckpt-"
)

// ErrLocked is returned when another process holds the checkpoint directory.
var ErrLocked = errors.New("checkpoint directory is locked by another process")

// State is the training progress counter set. The zero value is a fresh start.
type State struct {
	UsedEpoch     int64 `json:"used_epoch"`
	UsedMinibatch int64 `json:"used_minibatch"`
	UsedSample    int64 `json:"used_sample"`
	Offset        int64 `json:"offset"`
	RandomSeed    int64 `json:"random_seed"`
}

// Manager owns one checkpoint directory.
type Manager struct {
	dir    string
	keep   int
	lock   *flock.Flock
	logger *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithKeep sets how many snapshots are retained.
func WithKeep(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// Open creates dir if needed and takes an exclusive lock on it. Close releases the lock.
func Open(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	m := &Manager{
		dir:    dir,
		keep:   DefaultKeep,
		lock:   flock.New(filepath.Join(dir, lockFileName)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.keep <= 0 {
		m.keep = DefaultKeep
	}
	ok, err := m.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire checkpoint lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return m, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Close releases the directory lock.
func (m *Manager) Close() error {
	return m.lock.Unlock()
}

// Save writes a new snapshot, records it in the index and prunes old snapshots. It returns
// the snapshot name.
func (m *Manager) Save(state State, writeModel func(io.Writer) error) (string, error) {
	names, err := m.List()
	if err != nil {
		return "", err
	}
	seq := int64(1)
	if len(names) > 0 {
		last, _ := parseSeq(names[len(names)-1])
		seq = last + 1
	}
	name := fmt.Sprintf("%s%d", snapshotPrefix, seq)

	tmp, err := os.MkdirTemp(m.dir, ".tmp-"+name+"-")
	if err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	if err := writeSynced(filepath.Join(tmp, StateFileName), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}); err != nil {
		cleanup()
		return "", fmt.Errorf("write state: %w", err)
	}
	if err := writeSynced(filepath.Join(tmp, ModelFileName), writeModel); err != nil {
		cleanup()
		return "", fmt.Errorf("write model: %w", err)
	}
	final := filepath.Join(m.dir, name)
	if err := os.RemoveAll(final); err != nil {
		cleanup()
		return "", fmt.Errorf("clear stale snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		cleanup()
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	names = append(names, name)
	var pruned []string
	if len(names) > m.keep {
		pruned = names[:len(names)-m.keep]
		names = names[len(names)-m.keep:]
	}
	if err := m.writeIndex(names); err != nil {
		return "", err
	}
	for _, old := range pruned {
		if err := os.RemoveAll(filepath.Join(m.dir, old)); err != nil {
			m.logger.Warn("failed to prune checkpoint", zap.String("name", old), zap.Error(err))
		}
	}
	m.logger.Debug("checkpoint saved",
		zap.String("name", name),
		zap.Int64("used_epoch", state.UsedEpoch),
		zap.Int64("offset", state.Offset),
	)
	return name, nil
}

// List returns the retained snapshot names, oldest first. A missing index means none.
func (m *Manager) List() ([]string, error) {
	f, err := os.Open(filepath.Join(m.dir, IndexFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint index: %w", err)
	}
	defer f.Close()
	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if _, ok := parseSeq(line); !ok {
			return nil, fmt.Errorf("checkpoint index: malformed entry %q", line)
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}
	return names, nil
}

// Latest returns the newest snapshot name, or ok=false when there is none.
func (m *Manager) Latest() (name string, ok bool, err error) {
	names, err := m.List()
	if err != nil || len(names) == 0 {
		return "", false, err
	}
	return names[len(names)-1], true, nil
}

// Restore loads the newest snapshot. readModel receives the stored weights. With no
// snapshot it returns the zero State and ok=false without calling readModel.
func (m *Manager) Restore(readModel func(io.Reader) error) (State, bool, error) {
	name, ok, err := m.Latest()
	if err != nil || !ok {
		return State{}, false, err
	}
	state, err := ReadState(filepath.Join(m.dir, name))
	if err != nil {
		return State{}, false, err
	}
	f, err := os.Open(filepath.Join(m.dir, name, ModelFileName))
	if err != nil {
		return State{}, false, fmt.Errorf("open checkpoint weights: %w", err)
	}
	defer f.Close()
	if err := readModel(bufio.NewReader(f)); err != nil {
		return State{}, false, fmt.Errorf("restore weights from %s: %w", name, err)
	}
	return state, true, nil
}

// ReadState reads state.json from a snapshot directory.
func ReadState(snapshotDir string) (State, error) {
	data, err := os.ReadFile(filepath.Join(snapshotDir, StateFileName))
	if err != nil {
		return State{}, fmt.Errorf("read checkpoint state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse checkpoint state: %w", err)
	}
	return s, nil
}

// LatestState reads the newest state in dir without taking the lock or loading weights.
func LatestState(dir string) (State, bool, error) {
	m := &Manager{dir: dir}
	name, ok, err := m.Latest()
	if err != nil || !ok {
		return State{}, false, err
	}
	s, err := ReadState(filepath.Join(dir, name))
	return s, err == nil, err
}

func (m *Manager) writeIndex(names []string) error {
	return writeAtomic(filepath.Join(m.dir, IndexFileName), func(w io.Writer) error {
		for _, n := range names {
			if _, err := fmt.Fprintln(w, n); err != nil {
				return err
			}
		}
		return nil
	})
}

func parseSeq(name string) (int64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(name, snapshotPrefix), 10, 64)
	return n, err == nil && n > 0
}

func writeSynced(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// writeAtomic writes path through a sibling temp file and a rename.
func writeAtomic(path string, fn func(io.Writer) error) error {
	tmp := path + ".tmp"
	if err := writeSynced(tmp, fn); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
