package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DeployAgent/pkg/apk"
)

const (
	modelPrefix     = "model/"
	installedPrefix = "installed/"
)

// BadgerStore keeps models and installed pointers in a badger directory.
type BadgerStore struct {
	db *badger.DB
}

// badgerLogger forwards badger's internal logs to zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msg("cache: badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Msg("cache: badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msg("cache: badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Msg("cache: badger: " + strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// OpenBadger opens a persistent store in dir. An empty dir opens an
// in-memory store, which tests use.
func OpenBadger(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if strings.TrimSpace(dir) == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, "cache: create badger dir %s", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "cache: open badger database")
	}
	log.Debug().Str("dir", dir).Msg("cache: badger store opened")
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(ctx context.Context, checksum string) (*apk.Package, bool, error) {
	key, err := validateKey(checksum)
	if err != nil {
		return nil, false, err
	}
	var model *apk.Package
	err = s.db.View(func(txn *badger.Txn) error {
		var getErr error
		model, getErr = loadModel(txn, key)
		return getErr
	})
	if err != nil {
		return nil, false, err
	}
	return model, model != nil, nil
}

func loadModel(txn *badger.Txn, key string) (*apk.Package, error) {
	item, err := txn.Get([]byte(modelPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cache: load model %s", key)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: read model %s", key)
	}
	return decodeModel(data)
}

func (s *BadgerStore) Put(ctx context.Context, checksum string, model *apk.Package) error {
	key, err := validateKey(checksum)
	if err != nil {
		return err
	}
	if err := checkPut(key, nil, model); err != nil {
		return err
	}
	data, err := encodeModel(model)
	if err != nil {
		return err
	}
	for {
		err = s.db.Update(func(txn *badger.Txn) error {
			existing, err := loadModel(txn, key)
			if err != nil {
				return err
			}
			if existing != nil {
				return checkPut(key, existing, model)
			}
			return txn.Set([]byte(modelPrefix+key), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *BadgerStore) Installed(ctx context.Context, serial, pkg string) ([]string, bool, error) {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return nil, false, err
	}
	var (
		value installedValue
		found bool
	)
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(installedPrefix + serial + "/" + pkg))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &value)
		})
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "cache: load installed pointer %s/%s", serial, pkg)
	}
	return value.Checksums, found, nil
}

func (s *BadgerStore) SetInstalled(ctx context.Context, serial, pkg string, checksums []string) error {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(installedValue{Checksums: checksums, UpdatedAt: time.Now().Unix()})
	if err != nil {
		return errors.Wrap(err, "cache: encode installed pointer")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(installedPrefix+serial+"/"+pkg), data)
	})
	return errors.Wrapf(err, "cache: update installed pointer %s/%s", serial, pkg)
}

func (s *BadgerStore) ClearInstalled(ctx context.Context, serial, pkg string) error {
	serial, pkg, err := installedKey(serial, pkg)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(installedPrefix + serial + "/" + pkg))
	})
	return errors.Wrapf(err, "cache: clear installed pointer %s/%s", serial, pkg)
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
