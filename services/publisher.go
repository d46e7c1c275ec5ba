package services

import (
	"context"

	"code-arena-system/utils"
)

// ArtifactPublisher ships artifacts to the configured object store.
type ArtifactPublisher struct{}

func (ArtifactPublisher) Publish(ctx context.Context, key string, body []byte) (string, error) {
	return utils.UploadArtifact(ctx, key, body, "")
}

func (ArtifactPublisher) PublishFile(ctx context.Context, key, localPath string) (string, error) {
	return utils.UploadArtifactFile(ctx, key, localPath)
}
