// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxDocumentBytes bounds how much of a remote agents document is read.
const maxDocumentBytes = 4 << 20

// Source yields the raw bytes of an agents document.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads a local file.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s FileSource) String() string { return "file://" + s.Path }

type blobDownloader interface {
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
}

// BlobSource reads one blob from Azure Blob Storage.
type BlobSource struct {
	client    blobDownloader
	Container string
	Blob      string
}

// NewBlobSource reads container/blob through client.
func NewBlobSource(client *azblob.Client, container, blob string) *BlobSource {
	return &BlobSource{client: client, Container: container, Blob: blob}
}

func (s *BlobSource) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.Container, s.Blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s/%s: %w", s.Container, s.Blob, err)
	}
	defer resp.Body.Close()
	return readBounded(resp.Body)
}

func (s *BlobSource) String() string { return "azblob://" + s.Container + "/" + s.Blob }

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads one object from Amazon S3 or an S3-compatible store.
type S3Source struct {
	client objectGetter
	Bucket string
	Key    string
}

// NewS3Source reads bucket/key through client.
func NewS3Source(client *s3.Client, bucket, key string) *S3Source {
	return &S3Source{client: client, Bucket: bucket, Key: key}
}

func (s *S3Source) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object s3://%s/%s: %w", s.Bucket, s.Key, err)
	}
	defer out.Body.Close()
	return readBounded(out.Body)
}

func (s *S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("agents document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}

// BlobConfig selects Azure credentials. A connection string wins over an
// account key, which wins over DefaultAzureCredential.
type BlobConfig struct {
	ConnectionString   string
	AccountName        string
	AccountKey         string
	UseManagedIdentity bool
}

// NewBlobClient builds an azblob client from cfg.
func NewBlobClient(cfg BlobConfig) (*azblob.Client, error) {
	switch {
	case cfg.ConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client from connection string: %w", err)
		}
		return client, nil
	case cfg.AccountName == "":
		return nil, errors.New("azure storage account name or connection string is required")
	case cfg.AccountKey != "":
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		return azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	case !cfg.UseManagedIdentity:
		return nil, errors.New("azure storage account key or managed identity is required")
	default:
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		return azblob.NewClient(serviceURL, cred, nil)
	}
}

// S3Config configures the S3 client. Empty keys use the default AWS
// credential chain.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	ForcePathStyle  bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var optFns []func(*config.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// SourceOptions carries credentials for remote sources.
type SourceOptions struct {
	Blob BlobConfig
	S3   S3Config
}

// OpenSource interprets location as one of:
//
//	/path/agents.yaml or file:///path/agents.yaml
//	azblob://<container>/<blob>
//	s3://<bucket>/<key>
func OpenSource(ctx context.Context, location string, opts SourceOptions) (Source, error) {
	if location == "" {
		return nil, errors.New("agents source is required")
	}
	if !strings.Contains(location, "://") {
		return FileSource{Path: location}, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid agents source %q: %w", location, err)
	}
	objectPath := strings.TrimPrefix(u.Path, "/")

	switch u.Scheme {
	case "file":
		return FileSource{Path: u.Path}, nil
	case "azblob":
		if u.Host == "" || objectPath == "" {
			return nil, fmt.Errorf("azblob source must be azblob://<container>/<blob>, got %q", location)
		}
		client, err := NewBlobClient(opts.Blob)
		if err != nil {
			return nil, err
		}
		return NewBlobSource(client, u.Host, objectPath), nil
	case "s3":
		if u.Host == "" || objectPath == "" {
			return nil, fmt.Errorf("s3 source must be s3://<bucket>/<key>, got %q", location)
		}
		client, err := NewS3Client(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Source(client, u.Host, objectPath), nil
	default:
		return nil, fmt.Errorf("unsupported agents source scheme %q", u.Scheme)
	}
}
