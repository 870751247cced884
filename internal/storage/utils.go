package storage

import (
	"fmt"

	"github.com/Helsinki-Code/shelvey-unleashed-sub005/pkg/storage"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// InitStore opens the task store for the given backend. The connection
// string is ignored by the memory backend.
func InitStore(backend, dbConnStr string) (storage.Store, error) {
	switch backend {
	case "", BackendPostgres:
		store, err := NewPostgresStore(dbConnStr)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
