package config

import "context"

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads the dispatch document at path, validates it and translates
	// it into the format-agnostic model.
	Load(ctx context.Context, path string) (*Document, error)
}
