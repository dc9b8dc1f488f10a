// Package s3 provides a chunk store backed by Amazon S3 or an S3-compatible
// service.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/marmos91/orchard/pkg/chunkstore"
)

// S3ChunkStore implements chunkstore.ChunkStore on top of an S3 bucket.
//
// Key Design:
// The object key is the chunk hash with an optional prefix, so the bucket is
// a flat content-addressed namespace:
//
//	hash:   "9f86d081884c7d659a2feaa0c55ad015..."
//	prefix: "orchard/chunks/"
//	key:    "orchard/chunks/9f86d081884c7d659a2feaa0c55ad015..."
//
// Chunks are immutable, so there is no read-modify-write anywhere: PutChunk
// maps to PutObject, GetChunk to GetObject, ChunkExists and ChunkSize to
// HeadObject, and DeleteChunks to batched DeleteObjects calls.
//
// Thread Safety:
// The S3 client is safe for concurrent use; this type adds no mutable state.
type S3ChunkStore struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// Config contains configuration for the S3 chunk store.
type Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket is the S3 bucket name. The bucket must already exist.
	Bucket string

	// KeyPrefix is an optional prefix for all object keys, for example
	// "orchard/chunks/".
	KeyPrefix string
}

// NewS3ChunkStore creates a chunk store on top of an existing bucket and
// verifies bucket access with a HeadBucket call.
func NewS3ChunkStore(ctx context.Context, cfg Config) (*S3ChunkStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3ChunkStore{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *S3ChunkStore) objectKey(hash string) string {
	return s.keyPrefix + hash
}

// isNotFound reports whether an S3 error means the object does not exist.
// HeadObject surfaces missing keys as a generic NotFound, GetObject as
// NoSuchKey.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// PutChunk uploads a chunk to S3 under its content hash.
//
// The data is verified against the hash first. Existing objects are not
// re-uploaded: a HeadObject check short-circuits the put, which saves
// bandwidth for chunks shared across items.
func (s *S3ChunkStore) PutChunk(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if got := chunkstore.HashChunk(data); got != hash {
		return fmt.Errorf("chunk %s hashed to %s: %w", hash, got, chunkstore.ErrHashMismatch)
	}

	exists, err := s.ChunkExists(ctx, hash)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put chunk to S3: %w", err)
	}
	return nil
}

// GetChunk downloads the chunk with the given hash.
func (s *S3ChunkStore) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrChunkNotFound)
		}
		return nil, fmt.Errorf("failed to get chunk from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk body: %w", err)
	}
	return data, nil
}

// ChunkExists checks object existence with a HEAD request.
func (s *S3ChunkStore) ChunkExists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check chunk existence: %w", err)
	}
	return true, nil
}

// ChunkSize returns the object size from a HEAD request without downloading.
func (s *S3ChunkStore) ChunkSize(ctx context.Context, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	result, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("chunk %s: %w", hash, chunkstore.ErrChunkNotFound)
		}
		return 0, fmt.Errorf("failed to head chunk: %w", err)
	}

	if result.ContentLength == nil {
		return 0, fmt.Errorf("content length not available for chunk %s", hash)
	}
	return *result.ContentLength, nil
}

// DeleteChunks removes chunks with batched DeleteObjects calls.
//
// S3 allows at most 1000 objects per delete request, so larger inputs are
// chunked automatically. Individual failures go in the returned map.
func (s *S3ChunkStore) DeleteChunks(ctx context.Context, hashes []string) (map[string]error, error) {
	failures := make(map[string]error)

	const maxBatchSize = 1000

	for i := 0; i < len(hashes); i += maxBatchSize {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(hashes); j++ {
				failures[hashes[j]] = err
			}
			return failures, err
		}

		end := min(i+maxBatchSize, len(hashes))
		batch := hashes[i:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for j, hash := range batch {
			objects[j] = types.ObjectIdentifier{
				Key: aws.String(s.objectKey(hash)),
			}
		}

		result, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			for _, hash := range batch {
				failures[hash] = err
			}
			continue
		}

		for _, deleteErr := range result.Errors {
			if deleteErr.Key == nil {
				continue
			}
			hash := (*deleteErr.Key)[len(s.keyPrefix):]
			msg := "unknown error"
			if deleteErr.Code != nil && deleteErr.Message != nil {
				msg = fmt.Sprintf("%s: %s", *deleteErr.Code, *deleteErr.Message)
			}
			failures[hash] = errors.New(msg)
		}
	}

	return failures, nil
}

// ListChunks enumerates every stored chunk hash with paginated ListObjectsV2
// calls under the key prefix.
func (s *S3ChunkStore) ListChunks(ctx context.Context) ([]string, error) {
	var hashes []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			hashes = append(hashes, (*obj.Key)[len(s.keyPrefix):])
		}
	}

	return hashes, nil
}

// Close is a no-op; the S3 client holds no per-store resources.
func (s *S3ChunkStore) Close() error {
	return nil
}
