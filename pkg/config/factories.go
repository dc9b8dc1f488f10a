package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/orchard/internal/logger"
	"github.com/marmos91/orchard/internal/server"
	"github.com/marmos91/orchard/pkg/chunkstore"
	"github.com/marmos91/orchard/pkg/chunkstore/memory"
	chunkS3 "github.com/marmos91/orchard/pkg/chunkstore/s3"
	"github.com/marmos91/orchard/pkg/gc"
	"github.com/marmos91/orchard/pkg/store"
	badgerstore "github.com/marmos91/orchard/pkg/store/badger"
)

// CreateStore creates the item store selected by the configuration.
//
// Supported types:
//   - "badger": persistent store at badger.path
//   - "memory": badger with an in-memory keyspace, for tests and throwaway
//     servers
func CreateStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "badger":
		return createBadgerStore(ctx, cfg)
	case "memory":
		return badgerstore.New(ctx, badgerstore.Config{
			InMemory:   true,
			QuotaBytes: cfg.QuotaBytes,
		})
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

func createBadgerStore(ctx context.Context, cfg *StoreConfig) (store.Store, error) {
	type BadgerStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg BadgerStoreConfig
	if err := mapstructure.Decode(cfg.Badger, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}

	s, err := badgerstore.New(ctx, badgerstore.Config{
		Path:       storeCfg.Path,
		QuotaBytes: cfg.QuotaBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}
	return s, nil
}

// CreateChunkStore creates the chunk store selected by the configuration.
//
// Supported types:
//   - "memory": in-process map, for tests and single-node setups
//   - "s3": Amazon S3 or an S3-compatible service (MinIO, Localstack)
func CreateChunkStore(ctx context.Context, cfg *ChunkStoreConfig) (chunkstore.ChunkStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewMemoryChunkStore(), nil
	case "s3":
		return createS3ChunkStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown chunk store type: %q", cfg.Type)
	}
}

// createS3ChunkStore creates an S3-backed chunk store.
func createS3ChunkStore(ctx context.Context, options map[string]any) (chunkstore.ChunkStore, error) {
	type S3ChunkStoreConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3ChunkStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 chunk store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 chunk store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 chunk store: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint support for MinIO, Localstack, etc.
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default credential
	// chain (env vars, shared config, instance roles).
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for compatibility with MinIO/Localstack.
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 chunk store: bucket=%s region=%s endpoint=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.Endpoint)

	return chunkS3.NewS3ChunkStore(ctx, chunkS3.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
}

// DispatchConfig converts the server section into the dispatch server's
// config type.
func (c *ServerConfig) DispatchConfig() server.Config {
	var kind server.FailureKind
	switch c.ErrorKind {
	case "server":
		kind = server.FailServer
	case "client":
		kind = server.FailClient
	case "both":
		kind = server.FailBoth
	}

	return server.Config{
		Addr:                 c.Addr,
		ResponseDelay:        c.ResponseDelay,
		ErrorRate:            c.ErrorRate,
		ErrorKind:            kind,
		BandwidthBytesPerSec: c.BandwidthBytesPerSec,
	}
}

// CollectorConfig converts the gc section into the collector's config type.
func (c *GCConfig) CollectorConfig() gc.Config {
	return gc.Config{
		Enabled:  c.Enabled,
		Interval: c.Interval,
		DryRun:   c.DryRun,
	}
}
