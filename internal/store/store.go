// Package store persists the accounts and settings documents. Both backends
// implement the same whole-document load/save contract: callers read a blob,
// mutate in memory and write the whole blob back. Concurrent writers to the
// same document are last-write-wins at this layer; the manager serializes
// in-process writers on top of it.
package store

import "errors"

// ErrNotFound is returned when a document has never been saved.
var ErrNotFound = errors.New("document not found")

// DocumentStore is the whole-document persistence contract.
type DocumentStore interface {
	Load(key string) ([]byte, error)
	Save(key string, blob []byte) error
}

// Backupper is implemented by stores that can preserve a corrupted document
// out of the way before it gets replaced.
type Backupper interface {
	Backup(key string) error
}
