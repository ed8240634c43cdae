package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"idealista_collector/models"
)

// LocalArchiver mirrors the S3 key layout under a local directory. Used in
// development when no bucket is configured.
type LocalArchiver struct {
	dir string
}

func NewLocalArchiver(dir string) *LocalArchiver {
	return &LocalArchiver{dir: dir}
}

func (a *LocalArchiver) ArchivePage(ctx context.Context, jobType models.ScanMode, day time.Time, page int, payload []byte) error {
	return a.write(pageKey(jobType, day, page), payload)
}

func (a *LocalArchiver) ArchiveMetadata(ctx context.Context, jobType models.ScanMode, day time.Time, payload []byte) error {
	return a.write(metadataKey(jobType, day), payload)
}

func (a *LocalArchiver) write(key string, payload []byte) error {
	path := filepath.Join(a.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, payload, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
