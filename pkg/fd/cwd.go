package fd

import (
	"path"
	"sync"
)

// Cwd tracks one environment's current working directory: an open directory
// Fd plus its canonical path string, exactly as biscuit's fd.Cwd_t does.
// This is connective tissue the open-by-relative-path library call needs,
// not a shell: spec.md's scope note leaves path canonicalization itself
// unspecified, so this leans on the standard library's "path" package
// (lexical, slash-separated, with no filesystem of its own to consult)
// rather than inventing a bespoke canonicalizer.
type Cwd struct {
	mu   sync.Mutex
	Fd   *Fd
	Path string
}

// NewRootCwd builds a Cwd rooted at "/" around an already-open directory
// descriptor (biscuit's MkRootCwd).
func NewRootCwd(dir *Fd) *Cwd {
	return &Cwd{Fd: dir, Path: "/"}
}

// Fullpath joins cwd's path with p if p is not already absolute.
func (c *Cwd) Fullpath(p string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path.IsAbs(p) {
		return p
	}
	return path.Join(c.Path, p)
}

// Canonicalize resolves "." and ".." components relative to cwd.
func (c *Cwd) Canonicalize(p string) string {
	return path.Clean(c.Fullpath(p))
}

// Chdir atomically replaces cwd's path, guarded against concurrent chdirs
// from the same environment the way biscuit's embedded sync.Mutex is.
func (c *Cwd) Chdir(dir *Fd, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fd = dir
	c.Path = newPath
}
