// Package pathguard confines tool filesystem access to configured roots.
// Relative paths resolve against the primary root (the agent workspace),
// traversal and home expansion are rejected before any resolution, and
// symlinks cannot escape: the longest existing prefix of a path is resolved
// and re-checked against the roots.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Guard holds the allowed directory roots. The first root is the workspace.
type Guard struct {
	roots []string
}

// New creates a Guard over the given roots. Each root is made absolute and
// symlink-resolved when it exists; at least one root is required.
func New(roots ...string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, errors.New("pathguard: no roots configured")
	}
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("pathguard: resolve root %s: %w", r, err)
		}
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		resolved = append(resolved, filepath.Clean(abs))
	}
	return &Guard{roots: resolved}, nil
}

// Workspace returns the primary root.
func (g *Guard) Workspace() string { return g.roots[0] }

// Resolve validates path and returns its absolute form inside the roots.
// Traversal segments and "~" are rejected on the raw input, not merely
// normalized away.
func (g *Guard) Resolve(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errors.New("empty path")
	}
	if strings.HasPrefix(p, "~") {
		return "", fmt.Errorf("path %s: home expansion is not allowed", path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %s: traversal is not allowed", path)
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.roots[0], p)
	}
	p = filepath.Clean(p)
	// Containment is decided on the real path so neither an aliased root nor
	// an outbound symlink can fool the check.
	real := p
	if r, err := resolveExisting(p); err == nil {
		real = r
	}
	if !g.inside(real) {
		return "", fmt.Errorf("path %s: outside allowed directories", path)
	}
	return p, nil
}

func (g *Guard) inside(p string) bool {
	for _, root := range g.roots {
		if p == root || strings.HasPrefix(p, root+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

// resolveExisting follows symlinks on the longest existing prefix of p and
// rejoins the non-existing remainder, so a link inside the workspace cannot
// point a new file outside it.
func resolveExisting(p string) (string, error) {
	rest := ""
	for cur := p; ; {
		r, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(r, rest), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Sensitive file names. Checked on the base name, case-insensitive.
var (
	sensitiveExact = map[string]bool{
		".env":             true,
		".envrc":           true,
		".netrc":           true,
		".npmrc":           true,
		".pgpass":          true,
		".htpasswd":        true,
		".git-credentials": true,
		"credentials":      true,
		"credentials.json": true,
		"secrets.json":     true,
		"secrets.yaml":     true,
		"secrets.yml":      true,
	}
	sensitivePrefixes = []string{".env.", "id_rsa", "id_dsa", "id_ecdsa", "id_ed25519"}
	sensitiveSuffixes = []string{".pem", ".key", ".p12", ".pfx", ".keystore", ".kdbx"}
)

// IsSensitiveName reports whether the base name of path looks like a
// credential file that tools must not touch.
func IsSensitiveName(path string) bool {
	base := strings.ToLower(filepath.Base(filepath.ToSlash(path)))
	if sensitiveExact[base] {
		return true
	}
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
