package policy

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// LoadRegoFiles reads every .rego file below dir, skipping *_test.rego.
// Module names are paths relative to dir.
func LoadRegoFiles(dir string) (map[string]string, error) {
	return loadRegoFS(os.DirFS(dir))
}

func loadRegoFS(fsys fs.FS) (map[string]string, error) {
	modules := make(map[string]string)
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".rego" || strings.HasSuffix(p, "_test.rego") {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		modules[p] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}
