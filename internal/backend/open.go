package backend

import (
	"log/slog"

	"github.com/mattjoyce/scatter/internal/config"
)

// Open builds a registry with every built-in backend configured from cfg.
func Open(cfg config.BackendsConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(cfg.SizeCacheEntries)

	s3b, err := NewS3FromConfig(cfg.S3)
	if err != nil {
		return nil, err
	}

	for tag, b := range map[string]any{
		TagFile:   NewFile(),
		TagS3:     s3b,
		TagHTTP:   NewHTTP(cfg.HTTP, logger),
		TagBuffer: NewBuffer(cfg.Buffer.Path),
	} {
		if err := r.Register(tag, b); err != nil {
			return nil, err
		}
	}
	return r, nil
}
