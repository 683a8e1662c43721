// Package apk models the content of an application package file.
package apk

import (
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Entry describes one file inside a package.
type Entry struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Spec carries the fields accepted by NewPackage. Path is run-local and is
// never persisted.
type Spec struct {
	Name           string           `json:"name"`
	Checksum       string           `json:"checksum"`
	Path           string           `json:"-"`
	PackageName    string           `json:"package_name"`
	Processes      []string         `json:"processes"`
	TargetPackages []string         `json:"target_packages"`
	Entries        map[string]Entry `json:"entries"`
}

// Package is an immutable, analysed package. Two packages with the same
// checksum are interchangeable.
type Package struct {
	name           string
	checksum       string
	path           string
	packageName    string
	processes      []string
	targetPackages []string
	entries        map[string]Entry
}

// NewPackage validates spec and builds a Package. Nil lists and maps become
// empty ones.
func NewPackage(spec Spec) (*Package, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("apk: package name is empty")
	}
	checksum := strings.ToLower(strings.TrimSpace(spec.Checksum))
	if checksum == "" {
		return nil, errors.Errorf("apk: package %s has no checksum", name)
	}
	entries := make(map[string]Entry, len(spec.Entries))
	for raw, entry := range spec.Entries {
		p, err := NormalizePath(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "apk: package %s", name)
		}
		if _, dup := entries[p]; dup {
			return nil, errors.Errorf("apk: package %s has duplicate entry %s", name, p)
		}
		if strings.TrimSpace(entry.Checksum) == "" {
			return nil, errors.Errorf("apk: package %s entry %s has no checksum", name, p)
		}
		entries[p] = Entry{Size: entry.Size, Checksum: strings.ToLower(strings.TrimSpace(entry.Checksum))}
	}
	return &Package{
		name:           name,
		checksum:       checksum,
		path:           spec.Path,
		packageName:    strings.TrimSpace(spec.PackageName),
		processes:      cloneStrings(spec.Processes),
		targetPackages: cloneStrings(spec.TargetPackages),
		entries:        entries,
	}, nil
}

// NormalizePath turns an archive path into the canonical entry key.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", errors.New("empty entry path")
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Errorf("invalid entry path %q", p)
	}
	return cleaned, nil
}

func (p *Package) Name() string        { return p.name }
func (p *Package) Checksum() string    { return p.checksum }
func (p *Package) Path() string        { return p.path }
func (p *Package) PackageName() string { return p.packageName }

func (p *Package) Processes() []string      { return cloneStrings(p.processes) }
func (p *Package) TargetPackages() []string { return cloneStrings(p.targetPackages) }

// Entries returns a copy of the entry map.
func (p *Package) Entries() map[string]Entry {
	out := make(map[string]Entry, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out
}

// Entry looks up one entry by normalized path.
func (p *Package) Entry(name string) (Entry, bool) {
	e, ok := p.entries[name]
	return e, ok
}

// EntryPaths returns the entry paths in sorted order.
func (p *Package) EntryPaths() []string {
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Spec returns the fields the package was built from.
func (p *Package) Spec() Spec {
	return Spec{
		Name:           p.name,
		Checksum:       p.checksum,
		Path:           p.path,
		PackageName:    p.packageName,
		Processes:      p.Processes(),
		TargetPackages: p.TargetPackages(),
		Entries:        p.Entries(),
	}
}

// WithPath returns a copy bound to another local file.
func (p *Package) WithPath(localPath string) *Package {
	cp := *p
	cp.path = localPath
	return &cp
}

// SameContent compares everything except the run-local path.
func (p *Package) SameContent(other *Package) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.name != other.name || p.checksum != other.checksum || p.packageName != other.packageName {
		return false
	}
	if !equalStrings(p.processes, other.processes) || !equalStrings(p.targetPackages, other.targetPackages) {
		return false
	}
	if len(p.entries) != len(other.entries) {
		return false
	}
	for k, v := range p.entries {
		if other.entries[k] != v {
			return false
		}
	}
	return true
}

func cloneStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
