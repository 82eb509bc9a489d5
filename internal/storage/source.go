// Package storage fetches exported finding objects from object storage.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectRef identifies one exported object.
type ObjectRef struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
	// KeyRef names the decryption key when the object is envelope encrypted.
	KeyRef string `json:"key_ref,omitempty"`
}

// String returns bucket/key.
func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Key
}

// Source lists and reads objects.
type Source interface {
	// List returns at most max objects under prefix whose keys sort after
	// startAfter, ordered by key. An empty startAfter lists from the start.
	List(ctx context.Context, bucket, prefix, startAfter string, max int) ([]ObjectRef, error)
	// Get returns the object body.
	Get(ctx context.Context, ref ObjectRef) ([]byte, error)
	// HealthCheck verifies the bucket is reachable.
	HealthCheck(ctx context.Context) error
}

// Decrypter turns ciphertext into plaintext using the referenced key.
type Decrypter interface {
	Decrypt(ctx context.Context, keyRef string, ciphertext []byte) ([]byte, error)
}
