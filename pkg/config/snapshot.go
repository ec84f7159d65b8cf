package config

import (
	"time"

	"github.com/polisai/brickflow/pkg/domain"
)

// Snapshot is one successfully compiled generation of mod files.
type Snapshot struct {
	Generation int64             `json:"generation"`
	LoadedAt   time.Time         `json:"loadedAt"`
	Source     string            `json:"source"`
	Pipelines  []domain.Pipeline `json:"pipelines"`
}
