package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/inferno-ai/inferno/internal/domain"
)

func seedModels(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string][]byte{
		"llama-7b.gguf": append([]byte("GGUF"), make([]byte, 16)...),
		"tft.onnx":      {0x08, 0x07, 0x12, 0x00},
		"notes.txt":     []byte("not a model"),
		"broken.gguf":   []byte("JUNK1234"),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestManager_Scan(t *testing.T) {
	m := NewManager(seedModels(t))

	models, err := m.Scan()
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("Scan() found %d models, want 2", len(models))
	}
	// Sorted by name: llama-7b then tft.
	if models[0].Name != "llama-7b" || models[0].Format != domain.FormatGGUF {
		t.Errorf("models[0] = %v", models[0])
	}
	if models[1].Name != "tft" || models[1].Format != domain.FormatONNX {
		t.Errorf("models[1] = %v", models[1])
	}
	if models[0].SizeBytes == 0 {
		t.Error("SizeBytes should be populated")
	}
}

func TestManager_Resolve(t *testing.T) {
	m := NewManager(seedModels(t))

	// Resolve triggers a scan on miss.
	d, err := m.Resolve("tft")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if d.Format != domain.FormatONNX {
		t.Errorf("Format = %v, want onnx", d.Format)
	}

	if _, err := m.Resolve("missing"); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrModelNotFound", err)
	}
}

func TestManager_Checksum(t *testing.T) {
	m := NewManager(seedModels(t))

	sum1, err := m.Checksum("llama-7b")
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	if len(sum1) != 64 {
		t.Errorf("checksum length = %d, want 64 hex chars", len(sum1))
	}

	// Second call serves the cached value.
	sum2, err := m.Checksum("llama-7b")
	if err != nil {
		t.Fatal(err)
	}
	if sum1 != sum2 {
		t.Error("cached checksum should match")
	}
}

func TestManager_EmptyDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nonexistent"))
	models, err := m.Scan()
	if err != nil {
		t.Fatalf("Scan() on missing dir error: %v", err)
	}
	if len(models) != 0 {
		t.Errorf("found %d models in missing dir", len(models))
	}
}
