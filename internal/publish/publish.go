// Package publish uploads saved artifacts to S3-compatible object storage.
package publish

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/aep-harvest/internal/config"
	"github.com/johndauphine/aep-harvest/internal/logging"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Publisher copies a local artifact somewhere durable and returns its location.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Nop is the Publisher used when publishing is disabled.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(ctx context.Context, localPath string) (string, error) { return "", nil }

// MinioPublisher uploads to a bucket through minio-go. The bucket is created
// on the first upload if it does not exist.
type MinioPublisher struct {
	client *minio.Client
	bucket string
	prefix string
	region string
	secure bool
	host   string

	mu    sync.Mutex
	ready bool
}

// New returns Nop when publishing is disabled, otherwise a MinioPublisher.
func New(cfg config.PublishConfig) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewMinio(cfg)
}

// NewMinio builds a client for cfg. No request is made until the first upload.
func NewMinio(cfg config.PublishConfig) (*MinioPublisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}
	return &MinioPublisher{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		region: cfg.Region,
		secure: cfg.UseSSL,
		host:   cfg.Endpoint,
	}, nil
}

// ObjectKey maps a local artifact to its key: <prefix>/<file name>.
func (p *MinioPublisher) ObjectKey(localPath string) string {
	return path.Join(p.prefix, filepath.Base(localPath))
}

// EnsureBucket creates the bucket if it does not exist. A successful check is
// remembered; a failed one is retried on the next call.
func (p *MinioPublisher) EnsureBucket(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}

	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", p.bucket, err)
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", p.bucket, err)
		}
		logging.Info("Created bucket %s", p.bucket)
	}
	p.ready = true
	return nil
}

// Publish uploads localPath and returns the object URL.
func (p *MinioPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	if err := p.EnsureBucket(ctx); err != nil {
		return "", err
	}
	key := p.ObjectKey(localPath)
	info, err := p.client.FPutObject(ctx, p.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: xlsxContentType,
		UserMetadata: map[string]string{
			"harvested-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to %s/%s: %w", localPath, p.bucket, key, err)
	}
	scheme := "http"
	if p.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, p.host, info.Bucket, info.Key), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
