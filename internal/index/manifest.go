package index

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FormatVersion is bumped whenever the artifact layout changes.
const FormatVersion = 1

// MetricCosine is the only supported similarity metric.
const MetricCosine = "cosine"

// Manifest describes one published build.
type Manifest struct {
	BuildID          string    `json:"build_id"`
	FormatVersion    int       `json:"format_version"`
	EmbeddingModel   string    `json:"embedding_model"`
	EmbeddingBackend string    `json:"embedding_backend"`
	Dimension        int       `json:"dimension"`
	Metric           string    `json:"metric"`
	ChunkPolicy      string    `json:"chunk_policy"`
	ChunkCount       int       `json:"chunk_count"`
	DocumentCount    int       `json:"document_count"`
	FailedChunks     int       `json:"failed_chunks"`
	CreatedAt        time.Time `json:"created_at"`
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return writeFileSync(path, append(data, '\n'))
}

func readManifest(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return m, fmt.Errorf("manifest format version %d, want %d", m.FormatVersion, FormatVersion)
	}
	return m, nil
}
