// This package holds helpers shared by the tests of the durable stores.
package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-cryptostore/config"
	db "github.com/meow-io/go-cryptostore/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

// TempName returns a fresh path in the working directory that DBCleanup removes.
func TempName() string {
	id := newID()
	return fmt.Sprintf("test-%x", id[:])
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
}

func Config() *config.Config {
	return config.NewConfig(config.WithLogFile(""), config.WithBusyTimeoutMs(10000))
}

func NewTestDatabase(c *config.Config) *db.Database {
	return OpenTestDatabase(c, TempName())
}

// OpenTestDatabase opens path with a fixed key, creating it if needed.
func OpenTestDatabase(c *config.Config, path string) *db.Database {
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	if !d.Initialized() {
		if err := d.Initialize(key); err != nil {
			panic(err)
		}
	}
	if err := d.Open(key); err != nil {
		panic(err)
	}
	return d
}
