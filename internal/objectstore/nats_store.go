// Package objectstore mirrors generated artifacts into a NATS JetStream
// object store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrObjectNotFound is returned when the key is not in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// NatsObjectStore stores artifacts in a JetStream object store bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New binds to bucketName, creating it on first use.
func New(js nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: "Generated music artifacts",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
		store, err = js.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Name identifies the mirror in logs.
func (n *NatsObjectStore) Name() string { return "nats" }

// Put streams body into the bucket under key and returns a nats:// reference.
func (n *NatsObjectStore) Put(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	meta := &nats.ObjectMeta{
		Name:    key,
		Headers: nats.Header{},
	}
	meta.Headers.Set("Content-Type", contentType)

	if _, err := n.store.Put(meta, body); err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}
	return fmt.Sprintf("nats://%s/%s", n.bucket, key), nil
}

// Get opens an object for reading. The caller must close it.
func (n *NatsObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	obj, err := n.store.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}
	return obj, nil
}
