// Package cache keeps analysed package models keyed by content checksum and
// remembers which checksums were last deployed to each device.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/DeployAgent/pkg/apk"
)

// Store is the durable backend behind Cache.
type Store interface {
	// Get returns the model recorded for checksum.
	Get(ctx context.Context, checksum string) (*apk.Package, bool, error)
	// Put records model under checksum. Identical content is a no-op;
	// different content fails with *ConsistencyError.
	Put(ctx context.Context, checksum string, model *apk.Package) error
	// Installed returns the checksums last deployed for serial+pkg.
	Installed(ctx context.Context, serial, pkg string) ([]string, bool, error)
	SetInstalled(ctx context.Context, serial, pkg string, checksums []string) error
	ClearInstalled(ctx context.Context, serial, pkg string) error
	Close() error
}

// ConsistencyError reports two different models under one checksum.
type ConsistencyError struct {
	Checksum string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("cache: checksum %s already recorded with different content", e.Checksum)
}

// record is the persisted form of a model; the run-local path is dropped.
type record struct {
	apk.Spec
	StoredAt int64 `json:"stored_at"`
}

func encodeModel(model *apk.Package) ([]byte, error) {
	if model == nil {
		return nil, errors.New("cache: nil model")
	}
	data, err := json.Marshal(record{Spec: model.Spec(), StoredAt: time.Now().Unix()})
	if err != nil {
		return nil, errors.Wrap(err, "cache: encode model")
	}
	return data, nil
}

func decodeModel(data []byte) (*apk.Package, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "cache: decode model")
	}
	rec.Spec.Path = ""
	return apk.NewPackage(rec.Spec)
}

// installedValue is the persisted installed pointer.
type installedValue struct {
	Checksums []string `json:"checksums"`
	UpdatedAt int64    `json:"updated_at"`
}

func validateKey(checksum string) (string, error) {
	checksum = strings.ToLower(strings.TrimSpace(checksum))
	if checksum == "" {
		return "", errors.New("cache: empty checksum")
	}
	return checksum, nil
}

// checkPut compares an existing model with the one being recorded.
func checkPut(checksum string, existing, model *apk.Package) error {
	if model.Checksum() != checksum {
		return errors.Errorf("cache: model checksum %s does not match key %s", model.Checksum(), checksum)
	}
	if existing != nil && !existing.SameContent(model.WithPath("")) {
		return &ConsistencyError{Checksum: checksum}
	}
	return nil
}

func installedKey(serial, pkg string) (string, string, error) {
	serial, pkg = strings.TrimSpace(serial), strings.TrimSpace(pkg)
	if serial == "" || pkg == "" {
		return "", "", errors.New("cache: installed pointer needs serial and package")
	}
	return serial, pkg, nil
}
