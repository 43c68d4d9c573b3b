// Package offsite copies finished artifacts to S3-compatible object storage
// (Cloudflare R2 by default).
package offsite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// CredentialsKey is the secret key holding the credentials JSON.
const CredentialsKey = "credentials.json"

// Credentials holds object storage authentication details.
type Credentials struct {
	AccountID       string `json:"account_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	// Endpoint overrides the R2 endpoint derived from AccountID.
	Endpoint string `json:"endpoint,omitempty"`
	// Insecure disables TLS for a custom endpoint.
	Insecure bool `json:"insecure,omitempty"`
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix,omitempty"`
}

// Client wraps a minio client bound to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
	log    *zap.SugaredLogger
}

// LoadCredentials reads and validates credentials from a JSON file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials JSON: %w", err)
	}

	if err := creds.validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	if c.AccountID == "" && c.Endpoint == "" {
		return fmt.Errorf("credentials: account_id or endpoint is required")
	}
	if c.AccessKeyID == "" {
		return fmt.Errorf("credentials: access_key_id is required")
	}
	if c.SecretAccessKey == "" {
		return fmt.Errorf("credentials: secret_access_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("credentials: bucket is required")
	}
	return nil
}

func (c *Credentials) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("%s.r2.cloudflarestorage.com", c.AccountID)
}

// New creates a client from the given credentials.
func New(creds *Credentials, log *zap.SugaredLogger) (*Client, error) {
	endpoint := creds.endpoint()

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure: !creds.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	return &Client{
		mc:     mc,
		bucket: creds.Bucket,
		prefix: strings.Trim(creds.Prefix, "/"),
		log:    log,
	}, nil
}

// Upload sends a local file under the given key.
func (c *Client) Upload(ctx context.Context, localPath, key string) error {
	key = c.objectKey(key)
	c.log.Debugw("uploading", "file", localPath, "bucket", c.bucket, "key", key)

	info, err := c.mc.FPutObject(ctx, c.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	c.log.Infow("uploaded", "key", key, "bytes", info.Size)
	return nil
}

// Location renders a human-readable URL for key.
func (c *Client) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, c.objectKey(key))
}

func (c *Client) objectKey(key string) string {
	if c.prefix == "" {
		return key
	}
	if key == "" {
		return c.prefix + "/"
	}
	return c.prefix + "/" + key
}

// ContentType picks the object content type from the artifact file name.
func ContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".tar.gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".sha256"):
		return "text/plain"
	case path.Ext(name) == ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
