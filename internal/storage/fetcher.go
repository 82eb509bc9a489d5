package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/guardduty-sentinel/internal/retry"
)

// Fetcher reads an object and decrypts it when the ref names a key. Reads
// are retried under the storage policy when a retry engine is attached.
// The returned bytes may still be gzip compressed.
type Fetcher struct {
	source    Source
	decrypter Decrypter
	retry     *retry.Engine
	logger    *zap.Logger
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithDecrypter enables decryption of refs that carry a KeyRef.
func WithDecrypter(d Decrypter) FetcherOption {
	return func(f *Fetcher) { f.decrypter = d }
}

// WithRetry wraps every read in the given engine.
func WithRetry(e *retry.Engine) FetcherOption {
	return func(f *Fetcher) { f.retry = e }
}

// NewFetcher creates a fetcher over source.
func NewFetcher(source Source, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{source: source, logger: logger.Named("fetcher")}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the plaintext body of ref.
func (f *Fetcher) Fetch(ctx context.Context, ref ObjectRef) ([]byte, error) {
	var body []byte
	op := func(ctx context.Context) error {
		data, err := f.fetchOnce(ctx, ref)
		if err != nil {
			return err
		}
		body = data
		return nil
	}

	if f.retry == nil {
		if err := op(ctx); err != nil {
			return nil, err
		}
		return body, nil
	}

	res, err := f.retry.Do(ctx, ref, "fetch "+ref.String(), op)
	if err != nil {
		return nil, err
	}
	if res.DeadLettered {
		return nil, fmt.Errorf("%s dead-lettered after %d attempts: %w", ref, res.Attempts, res.LastError)
	}
	return body, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, ref ObjectRef) ([]byte, error) {
	data, err := f.source.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	if ref.KeyRef == "" {
		return data, nil
	}
	if f.decrypter == nil {
		return nil, retry.Permanent(fmt.Errorf("%s is encrypted with %s but no decrypter is configured", ref, ref.KeyRef))
	}

	plain, err := f.decrypter.Decrypt(ctx, ref.KeyRef, data)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", ref, err)
	}
	f.logger.Debug("Decrypted object", zap.String("key", ref.Key), zap.Int("bytes", len(plain)))
	return plain, nil
}
