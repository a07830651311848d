// Package reliability holds the database backup service used by the weekly
// maintenance job.
package reliability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/daytrader/internal/config"
)

// BackupService uploads sqlite snapshots to S3.
type BackupService struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewBackupService creates the backup service, or nil when backups are
// disabled in configuration. Credentials come from the default AWS chain.
func NewBackupService(ctx context.Context, cfg config.BackupConfig, log zerolog.Logger) (*BackupService, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("backup enabled but backup.s3_bucket is empty")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &BackupService{
		uploader: manager.NewUploader(s3.NewFromConfig(awsCfg)),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		log:      log.With().Str("service", "backup").Logger(),
	}, nil
}

// BackupFiles uploads each database file under a dated key. Files are
// uploaded one by one; the first failure aborts so a partial backup is
// visible in the logs rather than silently incomplete.
func (s *BackupService) BackupFiles(ctx context.Context, paths []string) error {
	stamp := time.Now().Format("2006-01-02")

	for _, path := range paths {
		if err := s.uploadOne(ctx, path, stamp); err != nil {
			return err
		}
	}

	s.log.Info().Int("files", len(paths)).Str("bucket", s.bucket).Msg("Backup complete")
	return nil
}

func (s *BackupService) uploadOne(ctx context.Context, path, stamp string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for backup: %w", path, err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s/%s", s.prefix, stamp, filepath.Base(path))
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Msg("Database uploaded")
	return nil
}
