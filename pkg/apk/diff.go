package apk

import (
	"path"
	"sort"
	"strings"
)

// Kind groups entries by how a change to them can reach a device.
type Kind int

const (
	// KindManifest covers the manifest, signatures, the resource table and
	// anything unrecognised. Changes need a full install.
	KindManifest Kind = iota
	// KindCode is compiled code that an agent can swap in place.
	KindCode
	// KindNative is a native library. Changes need a full install.
	KindNative
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindNative:
		return "native"
	case KindResource:
		return "resource"
	}
	return "manifest"
}

// Classify assigns an entry path to a Kind.
func Classify(p string) Kind {
	lower := strings.ToLower(p)
	switch {
	case path.Ext(lower) == ".dex":
		return KindCode
	case strings.HasPrefix(lower, "lib/"), path.Ext(lower) == ".so":
		return KindNative
	case strings.HasPrefix(lower, "res/"), strings.HasPrefix(lower, "assets/"):
		return KindResource
	}
	return KindManifest
}

// Op is the kind of difference for one path.
type Op string

const (
	OpAdded    Op = "added"
	OpRemoved  Op = "removed"
	OpModified Op = "modified"
)

// Change is one differing entry.
type Change struct {
	Path string
	Kind Kind
	Op   Op
}

// Diff compares entries of two packages; either side may be nil.
func Diff(old, updated *Package) []Change {
	var oldEntries, newEntries map[string]Entry
	if old != nil {
		oldEntries = old.entries
	}
	if updated != nil {
		newEntries = updated.entries
	}
	var changes []Change
	for p, e := range newEntries {
		prev, ok := oldEntries[p]
		switch {
		case !ok:
			changes = append(changes, Change{Path: p, Kind: Classify(p), Op: OpAdded})
		case prev.Checksum != e.Checksum:
			changes = append(changes, Change{Path: p, Kind: Classify(p), Op: OpModified})
		}
	}
	for p := range oldEntries {
		if _, ok := newEntries[p]; !ok {
			changes = append(changes, Change{Path: p, Kind: Classify(p), Op: OpRemoved})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
