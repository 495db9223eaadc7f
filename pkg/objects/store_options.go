package objects

import (
	"github.com/forgelet/forgelet/pkg/storage"
	"go.uber.org/zap"
)

// Option to configure object store components
type Option func(*defaultStore)

// Backend specifies the backend store holding object data
func Backend(store storage.Store) Option {
	return func(s *defaultStore) {
		s.backend = store
	}
}

// RefsPath locates the on-disk ref table. An empty path keeps refs in memory.
func RefsPath(pth string) Option {
	return func(s *defaultStore) {
		s.refsPath = pth
	}
}

// Logger overrides the default logger
func Logger(l *zap.Logger) Option {
	return func(s *defaultStore) {
		if l != nil {
			s.l = l
		}
	}
}

// VerifyHash toggles hash verification of objects read back from the backend
func VerifyHash(enabled bool) Option {
	return func(s *defaultStore) {
		s.withVerifyHash = enabled
	}
}

// WithMetrics toggles metrics collection on this store
func WithMetrics(enabled bool) Option {
	return func(s *defaultStore) {
		s.EnableMetrics(enabled)
	}
}
