package spawn

import (
	"os"
	"os/exec"
	"path/filepath"

	"dcmwrap/internal/catalog"
)

// Resolver maps a logical tool to an executable path. An explicitly
// configured toolkit directory is tried before the search path.
type Resolver struct {
	Dir string // Optional DCMTK bin directory
}

// Resolve returns the executable path for a tool.
// Failure is a *NotFoundError listing where it looked.
func (r *Resolver) Resolve(tool catalog.Tool) (string, error) {
	name := tool.String()
	var searched []string

	if r.Dir != "" {
		candidate := filepath.Join(r.Dir, name)
		searched = append(searched, candidate)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	searched = append(searched, "$PATH")

	return "", &NotFoundError{Tool: name, Searched: searched}
}

// ResolveAll resolves every known tool, returning the paths found and the
// errors for the rest. Used by the health check.
func (r *Resolver) ResolveAll() (map[catalog.Tool]string, map[catalog.Tool]error) {
	paths := make(map[catalog.Tool]string)
	errs := make(map[catalog.Tool]error)
	for _, tool := range catalog.AllTools() {
		path, err := r.Resolve(tool)
		if err != nil {
			errs[tool] = err
			continue
		}
		paths[tool] = path
	}
	return paths, errs
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
