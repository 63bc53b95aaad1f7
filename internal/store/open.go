// ABOUTME: Backend factory selecting a store implementation by driver name
// ABOUTME: Used by the server and CLI so configuration decides the persistence layer

package store

import (
	"fmt"
	"log/slog"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Drivers lists every supported driver name.
var Drivers = []string{DriverMemory, DriverSQLite, DriverBadger}

// Open creates the backend named by driver. path is ignored for the memory
// driver.
func Open(driver, path string, logger *slog.Logger) (Backend, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(path, logger)
	case DriverBadger:
		return NewBadgerStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
