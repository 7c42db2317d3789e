package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/7byte/fatiguemonitor/internal/fatigue"
)

// ModelCache holds model artifacts read from disk. Each path is read once;
// the bytes are shared read-only by every session's scorer.
type ModelCache struct {
	mu     sync.Mutex
	models map[string][]byte
}

func NewModelCache() *ModelCache {
	return &ModelCache{models: make(map[string][]byte)}
}

func (c *ModelCache) Load(path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, ok := c.models[path]; ok {
		return data, nil
	}
	if path == "" {
		return nil, fatigue.ErrModelMissing
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", fatigue.ErrModelMissing, path)
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", fatigue.ErrModelLoad, path, err)
	case len(data) == 0:
		return nil, fmt.Errorf("%w: %s is empty", fatigue.ErrModelLoad, path)
	}

	slog.Info("model loaded", "path", path, "bytes", len(data))
	c.models[path] = data
	return data, nil
}
