package apk

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ManifestEntry is the archive path of the package manifest.
const ManifestEntry = "AndroidManifest.xml"

// Checksum returns the sha256 of a file's bytes.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "apk: open %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "apk: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Analyze scans the archive once: file checksum, per-entry checksums and the
// decoded manifest.
func Analyze(ctx context.Context, path string) (*Package, error) {
	checksum, err := Checksum(path)
	if err != nil {
		return nil, err
	}
	return AnalyzeWithChecksum(ctx, path, checksum)
}

// AnalyzeWithChecksum is Analyze for callers that already hashed the file.
func AnalyzeWithChecksum(ctx context.Context, path, checksum string) (*Package, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "apk: open archive %s", path)
	}
	defer zr.Close()

	entries := make(map[string]Entry, len(zr.File))
	var manifest []byte
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := NormalizePath(f.Name)
		if err != nil {
			return nil, errors.Wrapf(err, "apk: %s", path)
		}
		if _, dup := entries[name]; dup {
			return nil, errors.Errorf("apk: %s has duplicate entry %s", path, name)
		}
		sum, data, err := hashEntry(f, name == ManifestEntry)
		if err != nil {
			return nil, errors.Wrapf(err, "apk: %s entry %s", path, name)
		}
		entries[name] = Entry{Size: int64(f.UncompressedSize64), Checksum: sum}
		if data != nil {
			manifest = data
		}
	}
	if manifest == nil {
		return nil, errors.Errorf("apk: %s has no %s", path, ManifestEntry)
	}
	info, err := parseManifest(manifest)
	if err != nil {
		return nil, errors.Wrapf(err, "apk: %s", path)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if info.split != "" {
		name = "split_" + info.split
	}
	pkg, err := NewPackage(Spec{
		Name:           name,
		Checksum:       checksum,
		Path:           path,
		PackageName:    info.packageName,
		Processes:      info.processes,
		TargetPackages: info.targetPackages,
		Entries:        entries,
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("apk", path).Str("package", pkg.PackageName()).
		Int("entries", len(entries)).Msg("apk: analyzed")
	return pkg, nil
}

func hashEntry(f *zip.File, keep bool) (string, []byte, error) {
	rc, err := f.Open()
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()
	h := sha256.New()
	if !keep {
		if _, err := io.Copy(h, rc); err != nil {
			return "", nil, err
		}
		return hex.EncodeToString(h.Sum(nil)), nil, nil
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", nil, err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), data, nil
}

type manifestInfo struct {
	packageName    string
	split          string
	processes      []string
	targetPackages []string
}

var componentTags = map[string]bool{
	"application": true,
	"activity":    true,
	"service":     true,
	"receiver":    true,
	"provider":    true,
}

// parseManifest extracts identity, process names and instrumentation targets.
// The package name is always the first process.
func parseManifest(data []byte) (manifestInfo, error) {
	elements, err := decodeManifest(data)
	if err != nil {
		return manifestInfo{}, err
	}
	var info manifestInfo
	seenProc := map[string]bool{}
	seenTarget := map[string]bool{}
	var declared []string
	for _, el := range elements {
		switch {
		case el.name == "manifest":
			info.packageName = el.attrs["package"]
			info.split = el.attrs["split"]
		case el.name == "instrumentation":
			if t := el.attrs["targetPackage"]; t != "" && !seenTarget[t] {
				seenTarget[t] = true
				info.targetPackages = append(info.targetPackages, t)
			}
		case componentTags[el.name]:
			if p := el.attrs["process"]; p != "" {
				declared = append(declared, p)
			}
		}
	}
	if info.packageName == "" {
		return manifestInfo{}, errors.New("manifest has no package attribute")
	}
	for _, p := range append([]string{info.packageName}, declared...) {
		if strings.HasPrefix(p, ":") {
			p = info.packageName + p
		}
		if !seenProc[p] {
			seenProc[p] = true
			info.processes = append(info.processes, p)
		}
	}
	return info, nil
}
