package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/transcode"
)

// S3 mirrors into an S3-compatible bucket under an optional key prefix.
// Object stores have no directories: a directory key exists while any
// object lives below it, so EnsureDirTree and pruning are no-ops. The
// client is safe for concurrent use, so one S3 handle serves all workers.
type S3 struct {
	client  *minio.Client
	bucket  string
	prefix  string
	tc      *transcode.Transcoder
	staging *Staging
}

// NewS3 connects to the endpoint from opts and checks that the bucket exists.
func NewS3(ctx context.Context, d Destination, opts Options) (*S3, error) {
	if opts.S3Endpoint == "" {
		return nil, errors.New("s3 destination requires an endpoint in the remote config")
	}
	client, err := minio.New(opts.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.User, opts.Password, ""),
		Secure: opts.S3Secure,
		Region: opts.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", opts.S3Endpoint, err)
	}

	ok, err := client.BucketExists(ctx, d.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket %q: %w", d.Host, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %q does not exist", d.Host)
	}
	return &S3{client: client, bucket: d.Host, prefix: d.Path, tc: opts.Transcoder, staging: opts.Staging}, nil
}

func (s *S3) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3) keyOf(object string) string {
	if s.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.prefix+"/")
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *S3) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.object(key), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (s *S3) DirExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.object(key) + "/", Recursive: true, MaxKeys: 1}) {
		if obj.Err != nil {
			return false, fmt.Errorf("list %s: %w", key, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

func (s *S3) EnsureDirTree(ctx context.Context, key string) error { return nil }

func (s *S3) StoreCompressed(ctx context.Context, src io.Reader, size int64, key string) (transcode.Stats, error) {
	payload, err := s.staging.stage(s.tc, src, size)
	if err != nil {
		return transcode.Stats{}, fmt.Errorf("failed to compress %s: %w", key, err)
	}
	defer payload.release()

	// PutObject replaces an existing object atomically.
	_, err = s.client.PutObject(ctx, s.bucket, s.object(key), payload.r, payload.size, minio.PutObjectOptions{
		ContentType: contentType(s.tc.Codec()),
	})
	if err != nil {
		return payload.stats, fmt.Errorf("upload %s: %w", key, err)
	}
	return payload.stats, nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	exists, err := s.FileExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		if err := s.client.RemoveObject(ctx, s.bucket, s.object(key), minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}

	removed := 0
	err = s.eachObject(ctx, key, func(object string) error {
		removed++
		return s.client.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{})
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if removed == 0 {
		plog.Debug("Nothing to delete", "path", key)
	}
	return nil
}

// Rename copies server-side and removes the source objects.
func (s *S3) Rename(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	exists, err := s.FileExists(ctx, from)
	if err != nil {
		return err
	}
	if exists {
		return s.moveObject(ctx, s.object(from), s.object(to))
	}

	moved := 0
	err = s.eachObject(ctx, from, func(object string) error {
		moved++
		rel := strings.TrimPrefix(s.keyOf(object), from+"/")
		return s.moveObject(ctx, object, s.object(to+"/"+rel))
	})
	if err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	if moved == 0 {
		plog.Debug("Nothing to move", "from", from, "to", to)
	}
	return nil
}

func (s *S3) moveObject(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: to},
		minio.CopySrcOptions{Bucket: s.bucket, Object: from},
	)
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, from, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", from, err)
	}
	return nil
}

// eachObject calls fn for every object below the directory key. Objects are
// collected first so fn may modify the bucket.
func (s *S3) eachObject(ctx context.Context, dirKey string, fn func(object string) error) error {
	var objects []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.object(dirKey) + "/", Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		objects = append(objects, obj.Key)
	}
	for _, object := range objects {
		if err := fn(object); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) Walk(ctx context.Context, fn func(key string) error) error {
	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return fmt.Errorf("list bucket %s: %w", s.bucket, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		if err := fn(s.keyOf(obj.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) Close() error { return nil }

func contentType(c transcode.Codec) string {
	switch c {
	case transcode.Bzip2:
		return "application/x-bzip2"
	case transcode.Gzip:
		return "application/gzip"
	case transcode.Zstd:
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}
