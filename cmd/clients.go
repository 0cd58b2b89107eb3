package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	awsathena "github.com/aws/aws-sdk-go/service/athena"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/airframesio/observation-backfill/cmd/athena"
	"github.com/airframesio/observation-backfill/cmd/metrics"
	"github.com/airframesio/observation-backfill/cmd/storage"
)

const metricsNamespace = "observation_backfill"

// services are the collaborators one command talks to.
type services struct {
	store    storage.ObjectStore
	queries  *athena.Client
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	closers  []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Debug(fmt.Sprintf("Failed to close client: %v", err))
		}
	}
}

// newAWSSession builds the aws-sdk-go session shared by S3 and Athena. Storage endpoint
// overrides are applied per S3 client so Athena keeps its regional endpoint.
func newAWSSession(config StorageConfig) (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            aws.Config{Region: aws.String(config.Region)},
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

// newS3Client builds the S3 client with the endpoint and path-style settings of config.
func newS3Client(sess *session.Session, config StorageConfig) *s3.S3 {
	awsConfig := aws.NewConfig()
	if config.Endpoint != "" {
		awsConfig = awsConfig.WithEndpoint(config.Endpoint)
	}
	if config.PathStyle {
		awsConfig = awsConfig.WithS3ForcePathStyle(true)
	}
	return s3.New(sess, awsConfig)
}

// blobURLTemplate adds region, endpoint and path-style parameters to s3:// templates.
func blobURLTemplate(config StorageConfig) string {
	template := config.BlobURL
	if !strings.HasPrefix(template, "s3://") {
		return template
	}

	params := url.Values{}
	if config.Region != "" && !strings.Contains(template, "region=") {
		params.Set("region", config.Region)
	}
	if config.Endpoint != "" && !strings.Contains(template, "endpoint=") {
		params.Set("endpoint", config.Endpoint)
	}
	if config.PathStyle && !strings.Contains(template, "s3ForcePathStyle=") {
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) == 0 {
		return template
	}

	separator := "?"
	if strings.Contains(template, "?") {
		separator = "&"
	}
	return template + separator + params.Encode()
}

// newServices connects the object store, the Athena client and the metrics registry.
// The Athena client is only built when withQueries is set.
func newServices(config *Config, withQueries bool) (*services, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc := &services{
		registry: registry,
		metrics:  metrics.New(registry, metricsNamespace),
	}

	var sess *session.Session
	if config.Storage.Backend == backendS3 || withQueries {
		var err error
		sess, err = newAWSSession(config.Storage)
		if err != nil {
			return nil, err
		}
	}

	switch config.Storage.Backend {
	case backendBlob:
		template := blobURLTemplate(config.Storage)
		logger.Debug(fmt.Sprintf("Using blob storage at %s", template))
		blobStore := storage.NewBlobStore(storage.URLOpener(template))
		svc.store = blobStore
		svc.closers = append(svc.closers, blobStore.Close)
	default:
		logger.Debug(fmt.Sprintf("Using S3 storage in %s", config.Storage.Region))
		svc.store = storage.NewS3Store(newS3Client(sess, config.Storage))
	}

	if withQueries {
		svc.queries = athena.New(
			awsathena.New(sess),
			config.athenaConfig(),
			logger,
			athena.WithPollOptions(config.pollOptions()),
			athena.WithMetrics(svc.metrics),
		)
	}

	return svc, nil
}

// serveMetrics exposes the registry on addr until ctx is done. Failures are logged.
func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, addr, registry, logger); err != nil {
			logger.Error(fmt.Sprintf("❌ Metrics server failed: %v", err))
		}
	}()
	logger.Info(fmt.Sprintf("📊 Serving metrics on %s/metrics", addr))
}
