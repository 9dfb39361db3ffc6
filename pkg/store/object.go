package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
)

const fetchTimeout = 10 * time.Second

// Object is a read-only store over a GCS object. Pages are fetched with
// range reads; any write fails with ErrReadOnlyStore.
type Object struct {
	object *storage.ObjectHandle
	ctx    context.Context
}

func NewObject(ctx context.Context, client *storage.Client, bucket, objectPath string) *Object {
	obj := client.Bucket(bucket).Object(objectPath).Retryer(
		storage.WithBackoff(gax.Backoff{
			Initial:    10 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2,
		}),
		storage.WithPolicy(storage.RetryAlways),
	)

	return &Object{
		object: obj,
		ctx:    ctx,
	}
}

func (o *Object) ReadAt(b []byte, off int64) (int, error) {
	ctx, cancel := context.WithTimeout(o.ctx, fetchTimeout)
	defer cancel()

	// The object must not be gzip compressed
	reader, err := o.object.NewRangeReader(ctx, off, int64(len(b)))
	if err != nil {
		return 0, fmt.Errorf("failed to create GCS reader: %w", err)
	}

	defer reader.Close()

	n, readErr := io.ReadFull(reader, b)
	if readErr != nil {
		return n, fmt.Errorf("failed to read GCS object: %w", readErr)
	}

	return n, nil
}

func (o *Object) WriteAt(b []byte, off int64) (int, error) {
	return 0, ErrReadOnlyStore
}

func (o *Object) Size() (int64, error) {
	ctx, cancel := context.WithTimeout(o.ctx, fetchTimeout)
	defer cancel()

	attrs, err := o.object.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get GCS object attributes: %w", err)
	}

	return attrs.Size, nil
}
