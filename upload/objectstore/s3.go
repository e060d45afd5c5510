package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	partSizeMB          = 10
	workInProgressIDKey = "wip-id"
)

// S3Params ...
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, objects are then addressed path-style.
	Endpoint string
	// CompressionLevel enables zstd content encoding when greater than zero.
	CompressionLevel int
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Store uploads objects to S3. The container is the bucket and objects are keyed by branch and path.
type S3Store struct {
	uploader         s3Uploader
	compressionLevel int
	logger           log.Logger
}

// NewS3Store loads the AWS configuration and creates the store.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if params.Endpoint != "" {
		logger.Debugf("Using custom S3 endpoint: %s", params.Endpoint)
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(*cfg, clientOpts...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSizeMB * 1024 * 1024
	})

	return newS3Store(uploader, params.CompressionLevel, logger), nil
}

func newS3Store(uploader s3Uploader, compressionLevel int, logger log.Logger) *S3Store {
	return &S3Store{
		uploader:         uploader,
		compressionLevel: compressionLevel,
		logger:           logger,
	}
}

// UploadObject puts content at branch/objectPath in the container bucket.
func (s *S3Store) UploadObject(ctx context.Context, container, branch, objectPath string, content io.Reader, workInProgressID string) error {
	const op = "put object"

	contentType, body, err := sniffContentType(content)
	if err != nil {
		return &RequestError{Op: op, Err: fmt.Errorf("read content: %w", err)}
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(container),
		Key:         aws.String(objectKey(branch, objectPath)),
		ContentType: aws.String(contentType),
	}
	if workInProgressID != "" {
		input.Metadata = map[string]string{workInProgressIDKey: workInProgressID}
	}

	if s.compressionLevel > 0 {
		stream, err := newZstdStream(body, s.compressionLevel)
		if err != nil {
			return &RequestError{Op: op, Err: err}
		}
		defer func() {
			if err := stream.Close(); err != nil {
				s.logger.Debugf("Close compression stream: %s", err)
			}
		}()
		body = stream
		input.ContentEncoding = aws.String("zstd")
	}
	input.Body = body

	s.logger.Debugf("Uploading s3://%s/%s (%s)", container, *input.Key, contentType)

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return classifyS3Error(op, err)
	}
	return nil
}

func objectKey(branch, objectPath string) string {
	if branch == "" {
		return objectPath
	}
	return branch + "/" + objectPath
}

func classifyS3Error(op string, err error) error {
	requestErr := &RequestError{Op: op, Err: err}

	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		requestErr.StatusCode = responseErr.HTTPStatusCode()
		requestErr.transient = transientStatus(requestErr.StatusCode)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		requestErr.Code = apiErr.ErrorCode()
		requestErr.Message = apiErr.ErrorMessage()
		switch {
		case apiErr.ErrorFault() == smithy.FaultServer:
			requestErr.transient = true
		case apiErr.ErrorCode() == "SlowDown" || apiErr.ErrorCode() == "RequestTimeout":
			requestErr.transient = true
		}
		return requestErr
	}

	if responseErr == nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// no response from the service
		requestErr.transient = true
	}
	return requestErr
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return &cfg, nil
}
