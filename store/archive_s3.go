package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lfusys/recorder-uploads/awserr"
	"github.com/lfusys/recorder-uploads/logging"
	"github.com/lfusys/recorder-uploads/retries"
)

// Archiver is the optional Artifact Archiver from the domain stack: it
// mirrors a just-assembled artifact to S3. It runs strictly after an
// artifact reaches assembly_state=done and never sits on the ingestion
// hot path.
type Archiver struct {
	client     *s3.Client
	bucketName string
	logger     logging.Logger
}

func NewArchiver(client *s3.Client, bucketName string, logger logging.Logger) *Archiver {
	return &Archiver{client: client, bucketName: bucketName, logger: logger}
}

// Mirror uploads the artifact at localPath under key sessionID/name,
// skipping the upload if an object already exists there.
func (a *Archiver) Mirror(ctx context.Context, sessionID, name, localPath string) error {
	key := sessionID + "/" + name

	exists, err := a.fileExists(ctx, key)
	if err != nil {
		return fmt.Errorf("check archive existence: %w", err)
	}
	if exists {
		a.logger.Info("archiver: artifact already mirrored", "key", key)
		return nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact for archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact for archive: %w", err)
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			if _, err := f.Seek(0, 0); err != nil {
				return err
			}
			_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(a.bucketName),
				Key:           aws.String(key),
				Body:          f,
				ContentLength: aws.Int64(info.Size()),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

// PresignDownload returns a time-limited download URL for a mirrored
// artifact.
func (a *Archiver) PresignDownload(ctx context.Context, sessionID, name string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(a.client)
	out, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(sessionID + "/" + name),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign archive download: %w", err)
	}
	return out.URL, nil
}

func (a *Archiver) fileExists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if awserr.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// IsReady implements health.ReadinessCheck.
func (a *Archiver) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucketName)})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (a *Archiver) Name() string { return "archiver[s3]" }
