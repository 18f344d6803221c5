package stores

import (
	"path/filepath"
	"testing"
)

func sqliteTestDSN(t *testing.T) string {
	return filepath.Join(t.TempDir(), "snaps.db")
}
