// Package miniostore keeps object buckets in MinIO (or any S3-compatible
// store) instead of the bus backend. Streams and key-value buckets stay on
// the bus; see bus.WithObjectStoresDialer.
package miniostore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
)

const (
	codeNoSuchKey    = "NoSuchKey"
	codeNoSuchBucket = "NoSuchBucket"
)

type Store struct {
	client *minio.Client
}

var _ bus.ObjectStores = (*Store)(nil)

func New(cfg config.ObjectStoreConfig) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.MinIOEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required when OBJECT_STORE_BACKEND=minio")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOUseSSL,
		Region: cfg.MinIORegion,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Store{client: client}, nil
}

// BucketName maps a bus bucket name to an S3 bucket name: lower case,
// underscores become hyphens.
func BucketName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

func (s *Store) ObjectStore(ctx context.Context, bucket string) (bus.ObjectStore, error) {
	name := BucketName(bucket)
	exists, err := s.client.BucketExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s: %w", name, bus.ErrNotFound)
	}
	return &objectStore{client: s.client, bucket: bucket, s3Bucket: name}, nil
}

func (s *Store) CreateObjectStore(ctx context.Context, bucket string) (bus.ObjectStore, error) {
	name := BucketName(bucket)
	exists, err := s.client.BucketExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", name, err)
		}
	}
	return &objectStore{client: s.client, bucket: bucket, s3Bucket: name}, nil
}

type objectStore struct {
	client   *minio.Client
	bucket   string
	s3Bucket string
}

func (o *objectStore) Bucket() string { return o.bucket }

func (o *objectStore) Put(ctx context.Context, meta bus.ObjectMeta, r io.Reader) (*bus.ObjectInfo, error) {
	up, err := o.client.PutObject(ctx, o.s3Bucket, meta.Name, r, -1, minio.PutObjectOptions{
		UserMetadata: meta.Headers,
		ContentType:  "application/octet-stream",
	})
	if err != nil {
		return nil, translate(err)
	}
	return &bus.ObjectInfo{
		Bucket:  o.bucket,
		Name:    meta.Name,
		Size:    uint64(up.Size),
		Headers: lowerKeys(meta.Headers),
		ModTime: up.LastModified,
	}, nil
}

func (o *objectStore) Get(ctx context.Context, name string) (io.ReadCloser, *bus.ObjectInfo, error) {
	obj, err := o.client.GetObject(ctx, o.s3Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, translate(err)
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, nil, translate(err)
	}
	info := o.info(stat)
	return obj, &info, nil
}

func (o *objectStore) List(ctx context.Context) ([]bus.ObjectInfo, error) {
	out := []bus.ObjectInfo{}
	for obj := range o.client.ListObjects(ctx, o.s3Bucket, minio.ListObjectsOptions{Recursive: true, WithMetadata: true}) {
		if obj.Err != nil {
			return nil, translate(obj.Err)
		}
		out = append(out, o.info(obj))
	}
	return out, nil
}

func (o *objectStore) Delete(ctx context.Context, name string) error {
	if _, err := o.client.StatObject(ctx, o.s3Bucket, name, minio.StatObjectOptions{}); err != nil {
		return translate(err)
	}
	return translate(o.client.RemoveObject(ctx, o.s3Bucket, name, minio.RemoveObjectOptions{}))
}

func (o *objectStore) Watch(ctx context.Context) (bus.ObjectWatcher, error) {
	ctx, cancel := context.WithCancel(ctx)
	events := o.client.ListenBucketNotification(ctx, o.s3Bucket, "", "", []string{
		"s3:ObjectCreated:*",
		"s3:ObjectRemoved:*",
	})
	w := &watcher{cancel: cancel, updates: make(chan bus.ObjectInfo)}
	go w.pump(ctx, o, events)
	return w, nil
}

func (o *objectStore) info(obj minio.ObjectInfo) bus.ObjectInfo {
	headers := make(map[string]string, len(obj.UserMetadata))
	for k, v := range obj.UserMetadata {
		headers[strings.ToLower(strings.TrimPrefix(k, "X-Amz-Meta-"))] = v
	}
	return bus.ObjectInfo{
		Bucket:  o.bucket,
		Name:    obj.Key,
		Size:    uint64(max(obj.Size, 0)),
		Headers: headers,
		ModTime: obj.LastModified,
	}
}

type watcher struct {
	cancel  context.CancelFunc
	updates chan bus.ObjectInfo
}

func (w *watcher) pump(ctx context.Context, o *objectStore, events <-chan notification.Info) {
	defer close(w.updates)
	for info := range events {
		if info.Err != nil {
			return
		}
		for _, rec := range info.Records {
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			update := bus.ObjectInfo{
				Bucket:  o.bucket,
				Name:    key,
				Size:    uint64(max(rec.S3.Object.Size, 0)),
				Headers: lowerKeys(rec.S3.Object.UserMetadata),
				Deleted: strings.HasPrefix(rec.EventName, "s3:ObjectRemoved"),
			}
			select {
			case w.updates <- update:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *watcher) Updates() <-chan bus.ObjectInfo { return w.updates }

func (w *watcher) Stop() error {
	w.cancel()
	return nil
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(strings.TrimPrefix(k, "X-Amz-Meta-"))] = v
	}
	return out
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case codeNoSuchKey, codeNoSuchBucket:
		return fmt.Errorf("%w: %w", bus.ErrNotFound, err)
	}
	return err
}
