// utils/storage.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var artifactClient *s3.Client
var artifactBucket string
var artifactBaseURL string

// InitArtifactStore configures the S3-compatible bucket that keeps build
// logs, client output and gamelogs.
func InitArtifactStore() error {
	endpoint := os.Getenv("ARTIFACT_ENDPOINT")
	accessKeyID := os.Getenv("ARTIFACT_ACCESS_KEY_ID")
	accessKeySecret := os.Getenv("ARTIFACT_ACCESS_KEY_SECRET")
	artifactBucket = os.Getenv("ARTIFACT_BUCKET_NAME")
	artifactBaseURL = os.Getenv("ARTIFACT_BASE_URL")
	if artifactBaseURL == "" {
		artifactBaseURL = fmt.Sprintf("%s/%s", endpoint, artifactBucket)
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID, accessKeySecret, "",
		)),
		config.WithEndpointResolver(aws.EndpointResolverFunc(
			func(service, region string) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			}),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to load artifact store config: %w", err)
	}

	artifactClient = s3.NewFromConfig(cfg)
	return nil
}

// UploadArtifact writes a named blob and returns its retrievable URL.
// Re-uploading the same key overwrites in place, so a retried publish after a
// partial failure is safe.
func UploadArtifact(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	_, err := artifactClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(artifactBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s", artifactBaseURL, key), nil
}

// UploadArtifactFile uploads a local file under the given key.
func UploadArtifactFile(ctx context.Context, key, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return UploadArtifact(ctx, key, data, "")
}
