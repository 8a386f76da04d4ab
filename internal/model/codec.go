package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Checkpoints carry optimizer state; exports carry only what inference needs.
var (
	checkpointMagic = [4]byte{'T', 'G', 'L', 'C'}
	exportMagic     = [4]byte{'T', 'G', 'L', 'X'}
)

const formatVersion uint32 = 1

// ErrBadFormat is returned when reading weights that were not written by this package.
var ErrBadFormat = errors.New("unrecognized model file")

type header struct {
	Magic    [4]byte
	Version  uint32
	Width    uint32
	Height   uint32
	Channels uint32
	Outputs  uint32
	Momentum uint32
}

func (m *Linear) header(magic [4]byte, withOptimizer bool) header {
	h := header{
		Magic:    magic,
		Version:  formatVersion,
		Width:    uint32(m.cfg.Width),
		Height:   uint32(m.cfg.Height),
		Channels: uint32(m.cfg.Channels),
		Outputs:  uint32(m.cfg.Outputs),
	}
	if withOptimizer && m.velocity != nil {
		h.Momentum = 1
	}
	return h
}

// Save writes weights and optimizer state for a checkpoint.
func (m *Linear) Save(w io.Writer) error {
	return m.write(w, checkpointMagic, true)
}

// Restore loads a checkpoint written by Save into a model of the same shape.
func (m *Linear) Restore(r io.Reader) error {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if h.Magic != checkpointMagic || h.Version != formatVersion {
		return ErrBadFormat
	}
	if int(h.Width) != m.cfg.Width || int(h.Height) != m.cfg.Height ||
		int(h.Channels) != m.cfg.Channels || int(h.Outputs) != m.cfg.Outputs {
		return fmt.Errorf("checkpoint is %dx%dx%d -> %d: %w", h.Height, h.Width, h.Channels, h.Outputs, ErrShapeMismatch)
	}
	if err := readParams(r, m.weights, m.bias); err != nil {
		return err
	}
	if h.Momentum == 1 {
		vel := make([]float32, len(m.weights))
		velBias := make([]float32, len(m.bias))
		if err := readParams(r, vel, velBias); err != nil {
			return err
		}
		if m.velocity != nil {
			m.velocity, m.velBias = vel, velBias
		}
	}
	return nil
}

// Export writes an inference-only copy of the model to path, replacing it atomically.
func (m *Linear) Export(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create export: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := m.write(bw, exportMagic, false); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write export: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish export: %w", err)
	}
	return nil
}

// Load reads a model written by Export.
func Load(path string) (*Linear, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadExport(bufio.NewReader(f))
}

// ReadExport is Load over a reader.
func ReadExport(r io.Reader) (*Linear, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if h.Magic != exportMagic || h.Version != formatVersion {
		return nil, ErrBadFormat
	}
	m, err := New(Config{
		Type:      TypeLinear,
		Optimizer: OptimizerSGD,
		Width:     int(h.Width),
		Height:    int(h.Height),
		Channels:  int(h.Channels),
		Outputs:   int(h.Outputs),
	})
	if err != nil {
		return nil, err
	}
	if err := readParams(r, m.weights, m.bias); err != nil {
		return nil, err
	}
	return m, nil
}

// IsExport reports whether the file at path starts with the export header.
func IsExport(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return false
	}
	return magic == exportMagic
}

func (m *Linear) write(w io.Writer, magic [4]byte, withOptimizer bool) error {
	h := m.header(magic, withOptimizer)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.weights); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, m.bias); err != nil {
		return fmt.Errorf("write bias: %w", err)
	}
	if h.Momentum == 1 {
		if err := binary.Write(w, binary.LittleEndian, m.velocity); err != nil {
			return fmt.Errorf("write optimizer state: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, m.velBias); err != nil {
			return fmt.Errorf("write optimizer state: %w", err)
		}
	}
	return nil
}

func readParams(r io.Reader, weights, bias []float32) error {
	if err := binary.Read(r, binary.LittleEndian, weights); err != nil {
		return fmt.Errorf("read weights: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, bias); err != nil {
		return fmt.Errorf("read bias: %w", err)
	}
	return nil
}
