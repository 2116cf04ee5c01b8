// Package scripts resolves an entry point for a directory-shaped task
// script, for the case where script_path names a directory rather than a
// single file (e.g. an unpacked ZIP upload). Grounded on
// original_source/app/utils/persistence.py's save_script_from_zip, which
// prefers main.py/app.py/run.py/start.py among the extracted files and
// falls back to the first Python file found.
package scripts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// preferredEntryNames are checked in order before falling back to the
// lexicographically first Python file, mirroring save_script_from_zip's
// ['main.py', 'app.py', 'run.py', 'start.py'] preference list.
var preferredEntryNames = []string{"main.py", "app.py", "run.py", "start.py"}

// ResolveEntryPoint walks dir and returns the path of the Python file that
// should be executed for it: a preferred name if one of
// main.py/app.py/run.py/start.py is present anywhere under dir, otherwise
// the lexicographically first .py file found. It returns an error if dir
// contains no Python files at all.
func ResolveEntryPoint(dir string) (string, error) {
	var pyFiles []string
	preferred := make(map[string]string, len(preferredEntryNames))

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".py" {
			return nil
		}
		pyFiles = append(pyFiles, path)
		base := filepath.Base(path)
		if _, seen := preferred[base]; !seen {
			for _, name := range preferredEntryNames {
				if base == name {
					preferred[base] = path
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scripts: walk %q: %w", dir, err)
	}

	for _, name := range preferredEntryNames {
		if path, ok := preferred[name]; ok {
			return path, nil
		}
	}

	if len(pyFiles) == 0 {
		return "", fmt.Errorf("scripts: no Python files found under %q", dir)
	}
	sort.Strings(pyFiles)
	return pyFiles[0], nil
}
