// Package gcs implements a Google Cloud Storage backed storage backend
package gcs

import (
	"context"
	"io"
	"strings"

	gcsStorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/forgelet/forgelet/pkg/storage"
)

type gcs struct {
	client         *gcsStorage.Client
	readOnlyClient *gcsStorage.Client
	bucket         string
	prefix         string
}

// New creates a GCS backed storage model scoped to a bucket and key prefix
func New(ctx context.Context, bucket, prefix string) (storage.Store, error) {
	googleStore := &gcs{
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
	var err error
	googleStore.readOnlyClient, err = gcsStorage.NewClient(ctx, option.WithScopes(gcsStorage.ScopeReadOnly))
	if err != nil {
		return nil, err
	}
	googleStore.client, err = gcsStorage.NewClient(ctx, option.WithScopes(gcsStorage.ScopeFullControl))
	if err != nil {
		return nil, err
	}
	return googleStore, nil
}

func (g *gcs) String() string {
	return "gcs://" + g.bucket + "/" + g.prefix
}

func (g *gcs) path(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + key
}

func (g *gcs) Has(ctx context.Context, objectName string) (bool, error) {
	_, err := g.readOnlyClient.Bucket(g.bucket).Object(g.path(objectName)).Attrs(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (g *gcs) Get(ctx context.Context, objectName string) (io.ReadCloser, error) {
	objectReader, err := g.readOnlyClient.Bucket(g.bucket).Object(g.path(objectName)).NewReader(ctx)
	if err != nil {
		if err == gcsStorage.ErrObjectNotExist {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return objectReader, nil
}

func (g *gcs) Put(ctx context.Context, objectName string, reader io.Reader, overwrite bool) error {
	obj := g.client.Bucket(g.bucket).Object(g.path(objectName))
	if !overwrite {
		obj = obj.If(gcsStorage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	if _, err := storage.PipeIO(writer, reader); err != nil {
		return err
	}
	return writer.Close()
}

func (g *gcs) Delete(ctx context.Context, objectName string) error {
	return g.client.Bucket(g.bucket).Object(g.path(objectName)).Delete(ctx)
}

func (g *gcs) Keys(ctx context.Context) ([]string, error) {
	return g.KeysPrefix(ctx, "")
}

func (g *gcs) KeysPrefix(ctx context.Context, prefix string) ([]string, error) {
	strip := ""
	if g.prefix != "" {
		strip = g.prefix + "/"
	}
	var keys []string
	objectsIterator := g.readOnlyClient.Bucket(g.bucket).Objects(ctx, &gcsStorage.Query{
		Prefix: g.path(prefix),
	})
	for {
		attrs, err := objectsIterator.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, strip))
	}
	return keys, nil
}

func (g *gcs) Clear(ctx context.Context) error {
	keys, err := g.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := g.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
