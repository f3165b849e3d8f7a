package sessionparser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Discover walks baseDir recursively and returns every session log found,
// sorted by path. A missing baseDir yields no files and no error.
func Discover(ctx context.Context, baseDir string) ([]SessionFile, error) {
	var files []SessionFile

	err := filepath.WalkDir(baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Directory might not exist yet -- that's fine.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			return nil
		}

		sf, err := NewSessionFile(baseDir, path)
		if err != nil {
			return nil
		}
		files = append(files, sf)
		return nil
	})

	if err != nil && !os.IsNotExist(err) {
		return files, fmt.Errorf("discover sessions in %s: %w", baseDir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
