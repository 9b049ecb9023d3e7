// Package registry discovers model files on disk and resolves model names to
// descriptors.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/inferno-ai/inferno/internal/domain"
	"github.com/inferno-ai/inferno/internal/infra/backend"
)

// Manager scans a models directory for GGUF and ONNX files.
type Manager struct {
	dir string

	mu     sync.Mutex
	models map[string]domain.ModelDescriptor
}

// NewManager creates a manager over the given directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, models: make(map[string]domain.ModelDescriptor)}
}

// Dir returns the models directory.
func (m *Manager) Dir() string { return m.dir }

// Scan walks the directory and rebuilds the descriptor set. Files whose
// format cannot be sniffed are skipped.
func (m *Manager) Scan() ([]domain.ModelDescriptor, error) {
	found := make(map[string]domain.ModelDescriptor)

	err := filepath.WalkDir(m.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".gguf" && ext != ".onnx" {
			return nil
		}

		format, sniffErr := backend.DetectFormat(path)
		if sniffErr != nil {
			return nil // unreadable or mislabeled — not a model
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		name := strings.TrimSuffix(filepath.Base(path), ext)
		found[name] = domain.ModelDescriptor{
			Name:      name,
			Path:      path,
			SizeBytes: info.Size(),
			Format:    format,
			Modified:  info.ModTime(),
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan models dir: %w", err)
	}

	m.mu.Lock()
	m.models = found
	m.mu.Unlock()
	return m.List(), nil
}

// List returns the known descriptors sorted by name.
func (m *Manager) List() []domain.ModelDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ModelDescriptor, 0, len(m.models))
	for _, d := range m.models {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps a model name to its descriptor, rescanning once on a miss.
func (m *Manager) Resolve(name string) (domain.ModelDescriptor, error) {
	m.mu.Lock()
	d, ok := m.models[name]
	m.mu.Unlock()
	if ok {
		return d, nil
	}

	if _, err := m.Scan(); err != nil {
		return domain.ModelDescriptor{}, err
	}

	m.mu.Lock()
	d, ok = m.models[name]
	m.mu.Unlock()
	if !ok {
		return domain.ModelDescriptor{}, fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	}
	return d, nil
}

// Checksum computes and caches the file's SHA-256.
func (m *Manager) Checksum(name string) (string, error) {
	d, err := m.Resolve(name)
	if err != nil {
		return "", err
	}
	if d.Checksum != "" {
		return d.Checksum, nil
	}

	f, err := os.Open(d.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(h.Sum(nil))

	m.mu.Lock()
	d.Checksum = sum
	m.models[name] = d
	m.mu.Unlock()
	return sum, nil
}
