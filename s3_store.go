package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig configures the S3 store.
type S3StoreConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"` // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style"`

	// MaxRetries is the max retry attempts for S3 operations (default: 3)
	MaxRetries int `yaml:"max_retries"`
}

// S3Store implements Store using S3 or S3-compatible object storage. It lets
// a chunked dataset be shared as an archive that several sessions reopen
// without re-ingesting the source files. Object layout under the prefix:
// meta/current, meta/hash, meta/salt, and chunks/<zero-padded id>.
type S3Store struct {
	client  *s3.Client
	config  S3StoreConfig
	codec   *chunkCodec
	retryer *Retryer
}

// NewS3Store creates a new S3-backed store.
func NewS3Store(cfg S3StoreConfig, codec *chunkCodec) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if codec == nil {
		codec = newChunkCodec(true, nil)
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", ErrStorageUnavailable, err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		codec:  codec,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

const s3ChunkPrefix = "chunks/"

func (s *S3Store) slotKey(slot string) string {
	return s.config.Prefix + "meta/" + slot
}

func (s *S3Store) chunkKey(id int) string {
	return fmt.Sprintf("%s%s%08d", s.config.Prefix, s3ChunkPrefix, id)
}

// Init verifies the bucket is reachable.
func (s *S3Store) Init(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return fmt.Errorf("%w: head bucket %s: %v", ErrStorageUnavailable, s.config.Bucket, err)
	}
	return nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	return s.retryer.Do(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put %s: %w", key, err)
		}
		return nil
	})
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.retryer.Do(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrNotFound
			}
			return fmt.Errorf("S3 get %s: %w", key, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *S3Store) delete(ctx context.Context, key string) error {
	return s.retryer.Do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete %s: %w", key, err)
		}
		return nil
	})
}

func (s *S3Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// ClearAll removes every metadata slot and chunk object under the prefix.
// S3 has no transactions; chunks go first so a failure mid-way cannot leave
// chunks behind a surviving metadata slot.
func (s *S3Store) ClearAll(ctx context.Context) error {
	chunkKeys, err := s.list(ctx, s.config.Prefix+s3ChunkPrefix)
	if err != nil {
		return err
	}
	for _, key := range chunkKeys {
		if err := s.delete(ctx, key); err != nil {
			return err
		}
	}
	// The salt slot survives: it belongs to the store's encryption setup,
	// not to the dataset being invalidated.
	for _, slot := range []string{slotCurrent, slotHash} {
		if err := s.delete(ctx, s.slotKey(slot)); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) SaveMetadata(ctx context.Context, meta *DatasetMetadata) error {
	payload, err := encodeMetadata(meta)
	if err != nil {
		return err
	}
	return s.put(ctx, s.slotKey(slotCurrent), payload)
}

func (s *S3Store) GetMetadata(ctx context.Context) (*DatasetMetadata, error) {
	payload, err := s.get(ctx, s.slotKey(slotCurrent))
	if err != nil {
		return nil, err
	}
	return decodeMetadata(payload)
}

func (s *S3Store) SaveMetadataHash(ctx context.Context, hash string) error {
	return s.put(ctx, s.slotKey(slotHash), []byte(hash))
}

func (s *S3Store) GetMetadataHash(ctx context.Context) (string, error) {
	payload, err := s.get(ctx, s.slotKey(slotHash))
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (s *S3Store) SaveChunk(ctx context.Context, id int, data *ChunkData) error {
	payload, err := s.codec.Encode(data)
	if err != nil {
		return err
	}
	return s.put(ctx, s.chunkKey(id), payload)
}

func (s *S3Store) GetChunk(ctx context.Context, id int) (*ChunkData, error) {
	payload, err := s.get(ctx, s.chunkKey(id))
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(payload)
}

func (s *S3Store) HasChunk(ctx context.Context, id int) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.chunkKey(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("S3 head chunk %d: %w", id, err)
	}
	return true, nil
}

func (s *S3Store) CountChunks(ctx context.Context) (int, error) {
	keys, err := s.list(ctx, s.config.Prefix+s3ChunkPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404")
}

// saveSalt and getSalt persist the key-derivation salt under its own slot.
func (s *S3Store) saveSalt(ctx context.Context, salt []byte) error {
	return s.put(ctx, s.slotKey(slotSalt), salt)
}

func (s *S3Store) getSalt(ctx context.Context) ([]byte, error) {
	return s.get(ctx, s.slotKey(slotSalt))
}
