package compute // import "github.com/whisthq/whist/backend/workspaces/compute"

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/whisthq/whist/backend/workspaces/types"
	"github.com/whisthq/whist/backend/workspaces/utils"
	logger "github.com/whisthq/whist/backend/workspaces/whistlogger"
	"go.uber.org/zap"
)

// FileStore is the object storage that holds persisted workspace files.
type FileStore interface {
	// Purge deletes every object belonging to the workspace.
	Purge(ctx context.Context, id types.WorkspaceID) (int, error)
}

// s3API is the subset of the S3 client we use.
type s3API interface {
	s3.ListObjectsV2APIClient
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3FileStore keeps workspace files under "workspaces/<id>/" in one bucket.
type S3FileStore struct {
	Bucket string
	client s3API
}

// NewS3FileStore returns a file store backed by client.
func NewS3FileStore(client *s3.Client, bucket string) *S3FileStore {
	return &S3FileStore{Bucket: bucket, client: client}
}

// WorkspacePrefix is the key prefix of a workspace's files.
func WorkspacePrefix(id types.WorkspaceID) string {
	return "workspaces/" + string(id) + "/"
}

// Purge deletes all objects under the workspace prefix, a page at a time.
func (fs *S3FileStore) Purge(ctx context.Context, id types.WorkspaceID) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(fs.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(fs.Bucket),
		Prefix: aws.String(WorkspacePrefix(id)),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, utils.MakeError("error listing files of workspace %s in bucket %s: %s", id, fs.Bucket, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}

		out, err := fs.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(fs.Bucket),
			Delete: &s3types.Delete{Objects: objects},
		})
		if err != nil {
			return deleted, utils.MakeError("error deleting files of workspace %s in bucket %s: %s", id, fs.Bucket, err)
		}
		deleted += len(out.Deleted)
		if len(out.Errors) > 0 {
			return deleted, utils.MakeError("%d objects of workspace %s could not be deleted, first: %s", len(out.Errors), id, aws.ToString(out.Errors[0].Message))
		}
	}
	return deleted, nil
}

// PurgeFilesBestEffort purges a workspace's files and only logs failures.
// A nil store is a no-op.
func PurgeFilesBestEffort(ctx context.Context, store FileStore, id types.WorkspaceID) {
	if store == nil {
		return
	}
	n, err := store.Purge(ctx, id)
	if err != nil {
		logger.Warnw("Failed to purge workspace files", zap.String("workspace_id", string(id)), zap.Error(err))
		return
	}
	logger.Infow("Purged workspace files", zap.String("workspace_id", string(id)), zap.Int("objects", n))
}
