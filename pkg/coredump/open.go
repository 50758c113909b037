package coredump

import (
	"fmt"
	"path/filepath"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// OpenStore opens a store of the named backend under dir.
func OpenStore(backend, dir string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendBolt:
		return OpenBolt(DefaultBoltConfig(filepath.Join(dir, "dumps.db")))
	case BackendBadger:
		return OpenBadger(DefaultBadgerConfig(filepath.Join(dir, "dumps")))
	default:
		return nil, fmt.Errorf("unknown dump backend %q", backend)
	}
}
