package domain

import "time"

// ModelFormat identifies the on-disk model container.
type ModelFormat string

const (
	FormatGGUF ModelFormat = "gguf"
	FormatONNX ModelFormat = "onnx"
)

// ModelDescriptor describes a discovered model file. Immutable after discovery.
type ModelDescriptor struct {
	Name      string            `json:"name"`
	Path      string            `json:"path"`
	SizeBytes int64             `json:"size_bytes"`
	Format    ModelFormat       `json:"format"`
	Modified  time.Time         `json:"modified"`
	Checksum  string            `json:"checksum,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Token is one streamed generation result. Err is set when generation failed
// at this boundary; Done marks the final token of the stream.
type Token struct {
	Text string
	Err  error
	Done bool
}

// TokenCandidate is a (token id, logit, probability) triple fed to the sampler.
type TokenCandidate struct {
	ID    int32
	Logit float32
	P     float32
}
