package sandbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"reflect"

	"github.com/traefik/yaegi/interp"
)

// repoPaths resolves relative paths used by interpreted snippets against the
// repository directory. The interpreter runs in-process and must not change
// the process working directory, so the os and path/filepath functions that
// take a path are rebound instead.
type repoPaths struct {
	dir string
}

func (r repoPaths) resolve(name string) string {
	if r.dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.dir, name)
}

// relative maps a path under the resolved root back to the form the
// snippet asked for.
func (r repoPaths) relative(root, path string) string {
	if r.dir == "" || filepath.IsAbs(root) {
		return path
	}
	rel, err := filepath.Rel(r.resolve(root), path)
	if err != nil {
		return path
	}
	return filepath.Join(root, rel)
}

func (r repoPaths) glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(r.resolve(pattern))
	if err != nil || r.dir == "" || filepath.IsAbs(pattern) {
		return matches, err
	}
	for i, m := range matches {
		if rel, err := filepath.Rel(r.dir, m); err == nil {
			matches[i] = rel
		}
	}
	return matches, nil
}

func (r repoPaths) walk(root string, fn filepath.WalkFunc) error {
	return filepath.Walk(r.resolve(root), func(path string, info fs.FileInfo, err error) error {
		return fn(r.relative(root, path), info, err)
	})
}

func (r repoPaths) walkDir(root string, fn fs.WalkDirFunc) error {
	return filepath.WalkDir(r.resolve(root), func(path string, d fs.DirEntry, err error) error {
		return fn(r.relative(root, path), d, err)
	})
}

func (r repoPaths) abs(path string) (string, error) {
	return filepath.Abs(r.resolve(path))
}

func (r repoPaths) getwd() (string, error) {
	if r.dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(r.dir)
}

// symbols returns the overrides layered on top of the yaegi stdlib.
func (r repoPaths) symbols() interp.Exports {
	return interp.Exports{
		"os/os": {
			"Open":     reflect.ValueOf(func(name string) (*os.File, error) { return os.Open(r.resolve(name)) }),
			"OpenFile": reflect.ValueOf(func(name string, flag int, perm os.FileMode) (*os.File, error) { return os.OpenFile(r.resolve(name), flag, perm) }),
			"ReadFile": reflect.ValueOf(func(name string) ([]byte, error) { return os.ReadFile(r.resolve(name)) }),
			"ReadDir":  reflect.ValueOf(func(name string) ([]os.DirEntry, error) { return os.ReadDir(r.resolve(name)) }),
			"Stat":     reflect.ValueOf(func(name string) (os.FileInfo, error) { return os.Stat(r.resolve(name)) }),
			"Lstat":    reflect.ValueOf(func(name string) (os.FileInfo, error) { return os.Lstat(r.resolve(name)) }),
			"DirFS":    reflect.ValueOf(func(dir string) fs.FS { return os.DirFS(r.resolve(dir)) }),
			"Getwd":    reflect.ValueOf(r.getwd),
		},
		"path/filepath/filepath": {
			"Abs":     reflect.ValueOf(r.abs),
			"Glob":    reflect.ValueOf(r.glob),
			"Walk":    reflect.ValueOf(r.walk),
			"WalkDir": reflect.ValueOf(r.walkDir),
		},
	}
}
