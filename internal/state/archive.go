package state

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// ObjectArchiver uploads rotated CSV telemetry segments to object storage.
// It implements SegmentSink; upload errors are logged, never propagated.
type ObjectArchiver struct {
	cfg ArchiveConfig
}

func NewObjectArchiver(cfg ArchiveConfig) (*ObjectArchiver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		cfg.Bucket = "shiksha-telemetry"
	}
	return &ObjectArchiver{cfg: cfg}, nil
}

func (a *ObjectArchiver) ArchiveSegment(ctx context.Context, path string) error {
	client, err := minio.New(a.cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(a.cfg.AccessKey, a.cfg.SecretKey, ""),
		Secure: a.cfg.UseSSL,
	})
	if err != nil {
		log.Printf("telemetry archive: client init failed: %v", err)
		return err
	}
	exists, err := client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		log.Printf("telemetry archive: bucket check failed: %v", err)
		return err
	}
	if !exists {
		if err := client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			log.Printf("telemetry archive: bucket create failed: %v", err)
			return err
		}
	}
	objectName := filepath.Base(path)
	if p := strings.Trim(a.cfg.Prefix, "/"); p != "" {
		objectName = p + "/" + objectName
	}
	if _, err := client.FPutObject(ctx, a.cfg.Bucket, objectName, path, minio.PutObjectOptions{ContentType: "text/csv"}); err != nil {
		log.Printf("telemetry archive: upload of %s failed: %v", path, err)
		return err
	}
	return nil
}
