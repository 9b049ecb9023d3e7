package backend

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inferno-ai/inferno/internal/domain"
)

// ggufMagic is the little-endian "GGUF" header of a GGUF container.
var ggufMagic = []byte{'G', 'G', 'U', 'F'}

// DetectFormat sniffs a model file's container format from its magic bytes,
// falling back to the extension for formats without a fixed magic (ONNX is a
// bare protobuf).
func DetectFormat(path string) (domain.ModelFormat, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 8)
	n, _ := f.Read(header)
	header = header[:n]

	if bytes.HasPrefix(header, ggufMagic) {
		return domain.FormatGGUF, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return domain.FormatONNX, nil
	case ".gguf":
		return "", fmt.Errorf("%w: %s has a .gguf extension but no GGUF magic", domain.ErrModelLoadFailed, filepath.Base(path))
	}
	return "", fmt.Errorf("%w: unrecognized model format: %s", domain.ErrModelLoadFailed, filepath.Base(path))
}

// estimateMemoryMB estimates load-time memory for a model file: weights plus
// a 20% overhead for KV cache and scratch buffers.
func estimateMemoryMB(sizeBytes int64) uint64 {
	return uint64(float64(sizeBytes) * 1.2 / (1024 * 1024))
}

// checkMemoryBudget gates a load against the available budget (0 = no gate).
func checkMemoryBudget(desc domain.ModelDescriptor, opts LoadOptions) error {
	if opts.AvailableMemoryMB == 0 {
		return nil
	}
	if need := estimateMemoryMB(desc.SizeBytes); need > opts.AvailableMemoryMB {
		return fmt.Errorf("%w: model %s needs ~%d MB, %d MB available",
			domain.ErrInsufficientResources, desc.Name, need, opts.AvailableMemoryMB)
	}
	return nil
}
