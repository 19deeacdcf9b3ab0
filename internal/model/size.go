package model

import (
	"io/fs"
	"os"
	"path/filepath"
)

// SizeOf returns the size in bytes of path: the file size if path is a
// regular file, or the sum of all regular-file sizes under path if it is a
// directory (non-recursive walk is NOT used here deliberately — this
// mirrors the original `getsize()` helper, which sums the full subtree of
// an admitted directory, not just its direct children, since admitted
// directories like PA assets may themselves contain further structure).
func SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
