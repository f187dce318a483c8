package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// Supported object store providers.
const (
	ProviderAWS   = "aws"
	ProviderMinIO = "minio"
	ProviderR2    = "r2"
)

// S3Config configures the S3 sink.
type S3Config struct {
	Provider  string `mapstructure:"provider"` // aws, minio or r2
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`   // minio host or custom endpoint
	AccountID string `mapstructure:"account_id"` // r2 only
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// endpoint resolves the base endpoint, region and addressing style for the
// configured provider. An empty endpoint lets the SDK resolve AWS itself.
func (c S3Config) endpoint() (endpoint, region string, pathStyle bool, err error) {
	switch strings.ToLower(c.Provider) {
	case "", ProviderAWS:
		region = c.Region
		if region == "" {
			region = "us-east-1"
		}
		return c.Endpoint, region, false, nil

	case ProviderMinIO:
		if c.Endpoint == "" {
			return "", "", false, fmt.Errorf("minio endpoint is required")
		}
		endpoint = strings.TrimSuffix(c.Endpoint, "/")
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			if c.UseSSL {
				endpoint = "https://" + endpoint
			} else {
				endpoint = "http://" + endpoint
			}
		}
		// MinIO ignores regions but the signer needs one.
		return endpoint, "us-east-1", true, nil

	case ProviderR2:
		if c.AccountID == "" {
			return "", "", false, fmt.Errorf("r2 account id is required")
		}
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID), "auto", false, nil

	default:
		return "", "", false, fmt.Errorf("unknown s3 provider %q", c.Provider)
	}
}

// PutObjectAPI is the subset of the S3 client the sink uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each batch as one snappy-compressed JSON object.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
	clock  clock.Clock
}

// NewS3Sink builds an S3 client for cfg and wraps it in a sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	endpoint, region, pathStyle, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix, clock: clock.Real{}}
}

// ObjectKey returns the key a batch is stored under.
func (s *S3Sink) ObjectKey(events []models.TelemetryEvent) string {
	ts := s.clock.Now().UTC()
	return fmt.Sprintf("%stelemetry/%s/%s-%s.json.sz",
		s.prefix, ts.Format("2006/01/02"), ts.Format("150405.000"), events[0].ID)
}

func (s *S3Sink) Send(ctx context.Context, events []models.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := EncodeBatch(events)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.ObjectKey(events)),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
		Metadata: map[string]string{
			"events":     fmt.Sprintf("%d", len(events)),
			"flushed-at": s.clock.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}
