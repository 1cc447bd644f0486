// This package opens the crypto store backend selected by a config. The backends themselves live in
// store/memorystore, store/sqlstore and store/badgerstore and share the store.CryptoStore contract.
package cryptostore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meow-io/go-cryptostore/config"
	"github.com/meow-io/go-cryptostore/store"
	"github.com/meow-io/go-cryptostore/store/badgerstore"
	"github.com/meow-io/go-cryptostore/store/memorystore"
	"github.com/meow-io/go-cryptostore/store/sqlstore"
)

const (
	SQLiteName = "cryptostore.db"
	BadgerName = "cryptostore.badger"
)

// Open opens the store for c.Backend inside c.RootDir. The memory backend ignores passphrase.
func Open(ctx context.Context, c *config.Config, passphrase string) (store.CryptoStore, error) {
	log := c.Logger("")
	log.Debugf("opening %s store in %s", c.Backend, c.RootDir)

	switch c.Backend {
	case config.BackendMemory:
		return memorystore.New(c), nil
	case config.BackendSQLite, config.BackendBadger:
	default:
		return nil, fmt.Errorf("cryptostore: unknown backend %q", c.Backend)
	}

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, store.IOError("open", err)
	}
	if c.Backend == config.BackendSQLite {
		s, err := sqlstore.Open(ctx, c, filepath.Join(c.RootDir, SQLiteName), passphrase)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := badgerstore.Open(ctx, c, filepath.Join(c.RootDir, BadgerName), passphrase)
	if err != nil {
		return nil, err
	}
	return s, nil
}
