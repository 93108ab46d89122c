// Package s3store keeps cache partitions in an S3-compatible bucket.
//
// Object layout:
//
//	<prefix><partition>/.partition        marker object
//	<prefix><partition>/e/<sha1(key)>     gob-encoded cache entry
package s3store

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/quran-companion/shell-cache/internal/cache"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

const (
	markerName     = ".partition"
	entryDir       = "e/"
	deleteBatchMax = 1000
)

// API 是 Store 用到的 S3 操作子集，便于在测试中替换。
type API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

func init() {
	cache.MustRegisterDriver(cache.Driver{
		Key:         "s3",
		Description: "S3-compatible object storage, one object per entry",
		Durable:     true,
		Validate: func(cfg cache.DriverConfig) error {
			if strings.TrimSpace(cfg.S3Bucket) == "" {
				return errors.New("S3Bucket is required")
			}
			if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
				return errors.New("S3AccessKey and S3SecretKey must be set together")
			}
			return nil
		},
		Open: func(ctx context.Context, cfg cache.DriverConfig) (cache.Store, error) {
			client, err := NewClient(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return New(client, cfg.S3Bucket, cfg.KeyPrefix), nil
		},
	})
}

// NewClient 按配置构建 S3 客户端；设置 S3Endpoint 时使用 path-style 访问（MinIO 等）。
func NewClient(ctx context.Context, cfg cache.DriverConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
	}), nil
}

// Store 实现 cache.Store。
type Store struct {
	client   API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

type partition struct {
	store *Store
	name  string
}

// New 包装已有客户端。prefix 为对象键前缀，可为空。
func New(client API, bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (s *Store) partitionPrefix(name string) string {
	return s.prefix + name + "/"
}

func (s *Store) markerKey(name string) string {
	return s.partitionPrefix(name) + markerName
}

func (s *Store) entryKey(name, key string) string {
	sum := sha1.Sum([]byte(key))
	return s.partitionPrefix(name) + entryDir + hex.EncodeToString(sum[:])
}

func (s *Store) Open(ctx context.Context, name string) (cache.Partition, error) {
	if err := cache.ValidatePartitionName(name); err != nil {
		return nil, err
	}
	ok, err := s.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		stamp := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.markerKey(name)),
			Body:        strings.NewReader(stamp),
			ContentType: aws.String("text/plain"),
		})
		if err != nil {
			return nil, fmt.Errorf("create partition %s: %w", name, err)
		}
	}
	return &partition{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete 先删除 marker 使分区对写入不可见，再分批删除全部对象。
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(name)),
	}); err != nil && !isNotFound(err) {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}

	objects, err := s.listObjects(ctx, s.partitionPrefix(name))
	if err != nil {
		return false, err
	}
	if err := s.deleteObjects(ctx, objects); err != nil {
		return false, fmt.Errorf("delete partition %s: %w", name, err)
	}
	return ok || len(objects) > 0, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) listObjects(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *Store) deleteObjects(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatchMax {
		end := min(start+deleteBatchMax, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (p *partition) Name() string {
	return p.name
}

func (p *partition) Match(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	entry, err := p.get(ctx, p.store.entryKey(p.name, req.Key()))
	if err != nil {
		return nil, err
	}
	if entry.Key != req.Key() {
		return nil, cache.ErrNotFound
	}
	return entry.Response(), nil
}

func (p *partition) get(ctx context.Context, key string) (*cache.Entry, error) {
	out, err := p.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.store.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	return cache.DecodeEntry(data)
}

func (p *partition) Put(ctx context.Context, req *fetch.Request, resp *fetch.Response) error {
	entry, err := cache.NewEntry(req, resp)
	if err != nil {
		return err
	}
	return p.PutAll(ctx, []*cache.Entry{entry})
}

// PutAll 逐个上传，任一失败时删除本批次已上传的对象。
func (p *partition) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ok, err := p.store.Has(ctx, p.name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("partition %s: %w", p.name, cache.ErrNotFound)
	}

	uploaded := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := entry.Encode()
		if err == nil {
			key := p.store.entryKey(p.name, entry.Key)
			_, err = p.store.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(p.store.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(data),
				ContentType: aws.String("application/octet-stream"),
			})
			if err == nil {
				uploaded = append(uploaded, key)
				continue
			}
		}
		if len(uploaded) > 0 {
			if rbErr := p.store.deleteObjects(context.WithoutCancel(ctx), uploaded); rbErr != nil {
				return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
		return fmt.Errorf("write entry %s: %w", entry.Key, err)
	}
	return nil
}

func (p *partition) Delete(ctx context.Context, req *fetch.Request) (bool, error) {
	key := p.store.entryKey(p.name, req.Key())
	if _, err := p.get(ctx, key); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_, err := p.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.store.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *partition) Keys(ctx context.Context) ([]string, error) {
	objects, err := p.store.listObjects(ctx, p.store.partitionPrefix(p.name)+entryDir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, object := range objects {
		entry, err := p.get(ctx, object)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, entry.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
