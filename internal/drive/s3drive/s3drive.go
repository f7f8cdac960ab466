// Package s3drive backs the drive wire surface with an S3 bucket. Every
// drive maps to a key prefix derived from its wwn; records store the
// version and checksum tag as object metadata. It is a drop-in drive client
// for deployments without physical key-addressable drives.
package s3drive

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stripefs/stripefs/internal/drive"
)

const (
	metaVersion = "stripefs-version"
	metaTag     = "stripefs-tag"
)

// API is the S3 client subset the drive uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Options configures the connector.
type Options struct {
	Bucket string
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible object stores.
	Endpoint string
	// MaxValueSize is the per-drive value limit published via GetLog.
	MaxValueSize int64
	// NominalCapacityBytes is reported per drive; object storage has no
	// real drive capacity to expose.
	NominalCapacityBytes uint64
}

// Connector hands out drive clients scoped to per-wwn prefixes of one
// bucket.
type Connector struct {
	api     API
	options Options
}

// NewConnector builds a connector over an existing S3 client.
func NewConnector(api API, options Options) *Connector {
	if options.MaxValueSize == 0 {
		options.MaxValueSize = 1024 * 1024
	}
	if options.NominalCapacityBytes == 0 {
		options.NominalCapacityBytes = 1 << 40
	}
	return &Connector{api: api, options: options}
}

// Dial creates a connector with a fresh S3 client. Endpoint credentials are
// used when the drive security document carries them; otherwise the default
// AWS credential chain applies.
func Dial(ctx context.Context, options Options) (*Connector, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if options.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(options.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if options.Endpoint != "" {
			o.BaseEndpoint = aws.String(options.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewConnector(client, options), nil
}

// Connect returns a client for the drive identified by the endpoint's wwn.
// When the endpoint carries credentials they replace the client's identity
// for this drive.
func (c *Connector) Connect(ctx context.Context, endpoint drive.Endpoint) (drive.Client, error) {
	api := c.api
	if endpoint.Identity != "" && endpoint.Key != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(endpoint.Identity, endpoint.Key, "")),
			awsconfig.WithRegion(c.options.Region))
		if err != nil {
			return nil, fmt.Errorf("loading credentials for drive %q: %w", endpoint.WWN, err)
		}
		api = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if c.options.Endpoint != "" {
				o.BaseEndpoint = aws.String(c.options.Endpoint)
				o.UsePathStyle = true
			}
		})
	}

	client := &Client{
		api:     api,
		bucket:  c.options.Bucket,
		prefix:  endpoint.WWN + "/",
		options: c.options,
	}
	if s := client.NoOp(ctx); !s.OK() {
		return nil, errors.New(s.String())
	}
	return client, nil
}

// Client implements drive.Client against one bucket prefix.
type Client struct {
	api     API
	bucket  string
	prefix  string
	options Options
}

// objectKey hex-encodes the drive key so arbitrary bytes stay valid S3 keys
// while preserving lexicographic order for range listings.
func (c *Client) objectKey(key string) string {
	return c.prefix + hex.EncodeToString([]byte(key))
}

func (c *Client) driveKey(objectKey string) (string, bool) {
	encoded := strings.TrimPrefix(objectKey, c.prefix)
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func mapError(err error) drive.Status {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return drive.MakeStatus(drive.RemoteNotFound, "")
	}
	return drive.MakeStatus(drive.ClientIOError, err.Error())
}

func (c *Client) Get(ctx context.Context, key string) (*drive.Record, drive.Status) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return nil, mapError(err)
	}
	defer out.Body.Close()

	value, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, drive.MakeStatus(drive.ClientIOError, err.Error())
	}
	return &drive.Record{
		Value:   value,
		Version: out.Metadata[metaVersion],
		Tag:     out.Metadata[metaTag],
	}, drive.MakeStatus(drive.OK, "")
}

func (c *Client) GetVersion(ctx context.Context, key string) (string, drive.Status) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return "", mapError(err)
	}
	return out.Metadata[metaVersion], drive.MakeStatus(drive.OK, "")
}

// Put stores a record. Version checking is read-then-write: object storage
// offers no compare-and-swap, so concurrent writers to the same drive key
// can race within that window.
func (c *Client) Put(ctx context.Context, key, expectedVersion string, record *drive.Record, mode drive.WriteMode, _ drive.PersistMode) drive.Status {
	if mode == drive.RequireSameVersion {
		stored, status := c.GetVersion(ctx, key)
		switch {
		case status.Code == drive.RemoteNotFound:
			if expectedVersion != "" {
				return drive.MakeStatus(drive.RemoteVersionMismatch, "no stored version")
			}
		case !status.OK():
			return status
		case stored != expectedVersion:
			return drive.MakeStatus(drive.RemoteVersionMismatch, "stored version differs")
		}
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
		Body:   bytes.NewReader(record.Value),
		Metadata: map[string]string{
			metaVersion: record.Version,
			metaTag:     record.Tag,
		},
	})
	if err != nil {
		return mapError(err)
	}
	return drive.MakeStatus(drive.OK, "")
}

func (c *Client) Delete(ctx context.Context, key, expectedVersion string, mode drive.WriteMode) drive.Status {
	if mode == drive.RequireSameVersion {
		stored, status := c.GetVersion(ctx, key)
		if !status.OK() {
			return status
		}
		if stored != expectedVersion {
			return drive.MakeStatus(drive.RemoteVersionMismatch, "stored version differs")
		}
	}
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return mapError(err)
	}
	return drive.MakeStatus(drive.OK, "")
}

func (c *Client) GetKeyRange(ctx context.Context, start, end string, max int) ([]string, drive.Status) {
	var keys []string
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, mapError(err)
		}
		for _, obj := range out.Contents {
			key, ok := c.driveKey(aws.ToString(obj.Key))
			if !ok || key < start || key > end {
				continue
			}
			keys = append(keys, key)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	if max >= 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys, drive.MakeStatus(drive.OK, "")
}

func (c *Client) GetLog(ctx context.Context, logTypes []drive.LogType) (*drive.Log, drive.Status) {
	log := &drive.Log{}
	for _, t := range logTypes {
		switch t {
		case drive.LogLimits:
			log.Limits = &drive.LimitsLog{
				MaxKeySize:     1024,
				MaxValueSize:   c.options.MaxValueSize,
				MaxVersionSize: 2048,
			}
		case drive.LogCapacities:
			used, status := c.usedBytes(ctx)
			if !status.OK() {
				return nil, status
			}
			portion := float64(used) / float64(c.options.NominalCapacityBytes)
			log.Capacity = &drive.CapacityLog{
				NominalCapacityBytes: c.options.NominalCapacityBytes,
				PortionFull:          portion,
			}
		}
	}
	return log, drive.MakeStatus(drive.OK, "")
}

func (c *Client) usedBytes(ctx context.Context) (uint64, drive.Status) {
	var used uint64
	var token *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, mapError(err)
		}
		for _, obj := range out.Contents {
			used += uint64(aws.ToInt64(obj.Size))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return used, drive.MakeStatus(drive.OK, "")
}

func (c *Client) NoOp(ctx context.Context) drive.Status {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return drive.MakeStatus(drive.ClientIOError, err.Error())
	}
	return drive.MakeStatus(drive.OK, "")
}
