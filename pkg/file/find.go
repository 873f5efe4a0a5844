package file

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FindByExt returns the regular files under dir whose extension matches one
// of exts (case-insensitive, leading dot optional), sorted by path.
func FindByExt(dir string, exts ...string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		want[ext] = true
	}

	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if len(want) == 0 || want[strings.ToLower(filepath.Ext(path))] {
			found = append(found, path)
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}
