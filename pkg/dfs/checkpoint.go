package dfs

import (
	"os"
	"path/filepath"

	"github.com/DslsDZC/dslos-core/pkg/dslerr"
)

// WriteCheckpoint atomically writes data to path: write to a temp file in
// the same directory, fsync, then rename over the destination. Used by the
// leader's periodic metadata checkpoint (dslosd's checkpoint loop) so a
// crash mid-write never leaves a truncated checkpoint behind.
func WriteCheckpoint(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return dslerr.Internal(err, "create temp checkpoint file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return dslerr.Internal(err, "write temp checkpoint file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return dslerr.Internal(err, "fsync temp checkpoint file")
	}
	if err := tmp.Close(); err != nil {
		return dslerr.Internal(err, "close temp checkpoint file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return dslerr.Internal(err, "rename checkpoint into place")
	}
	return nil
}

// ReadCheckpoint reads a checkpoint file written by WriteCheckpoint.
func ReadCheckpoint(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dslerr.NotFound("checkpoint %s", path)
		}
		return nil, dslerr.Internal(err, "read checkpoint %s", path)
	}
	return data, nil
}
