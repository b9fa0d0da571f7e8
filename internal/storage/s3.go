package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DeleteObjects が一度に受け付けるキー数の上限
const deleteBatchSize = 1000

// S3Options は S3Gateway の接続設定です。
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string // 空の場合は AWS 標準エンドポイント
	AccessKeyID     string // 空の場合はデフォルトの認証情報チェーン
	SecretAccessKey string
}

// S3Gateway は S3 互換ストレージに対する Gateway 実装です。
type S3Gateway struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

// NewS3Gateway は AWS 設定を読み込み S3Gateway を作成します。
func NewS3Gateway(ctx context.Context, opts S3Options) (*S3Gateway, error) {
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3GatewayFromClient(client, opts.Bucket), nil
}

// NewS3GatewayFromClient は既存のクライアントから S3Gateway を作成します。
func NewS3GatewayFromClient(client *s3.Client, bucket string) *S3Gateway {
	return &S3Gateway{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
	}
}

func (g *S3Gateway) Location() string {
	return g.bucket
}

func (g *S3Gateway) Put(ctx context.Context, key string, body []byte, contentType string, onProgress ProgressFunc) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
		Body:   newProgressReader(bytes.NewReader(body), onProgress),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := g.uploader.Upload(ctx, input); err != nil {
		return wrapErr("put", key, classify(err))
	}
	return nil
}

func (g *S3Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrapErr("get", key, classify(err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, wrapErr("get", key, fmt.Errorf("failed to read body: %w", err))
	}
	return data, nil
}

func (g *S3Gateway) StatSize(ctx context.Context, key string) (int64, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, wrapErr("stat", key, classify(err))
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (g *S3Gateway) Download(ctx context.Context, key, destPath string, onProgress ProgressFunc) (err error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return wrapErr("download", key, fmt.Errorf("failed to create directories: %w", err))
	}
	file, err := os.Create(destPath)
	if err != nil {
		return wrapErr("download", key, fmt.Errorf("failed to create file: %w", err))
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = wrapErr("download", key, closeErr)
		}
	}()

	_, err = g.downloader.Download(ctx, newProgressWriterAt(file, onProgress), &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapErr("download", key, classify(err))
	}
	return nil
}

func (g *S3Gateway) Upload(ctx context.Context, srcPath, key string, onProgress ProgressFunc) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return wrapErr("upload", key, err)
	}
	defer file.Close()

	_, err = g.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        newProgressReader(file, onProgress),
		ContentType: aws.String(contentTypeForKey(key)),
	})
	if err != nil {
		return wrapErr("upload", key, classify(err))
	}
	return nil
}

func (g *S3Gateway) ListAllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapErr("list", "", classify(err))
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (g *S3Gateway) DeleteAll(ctx context.Context, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := g.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(g.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("%s: %s %s", aws.ToString(e.Key), aws.ToString(e.Code), aws.ToString(e.Message)))
		}
	}
	if len(errs) > 0 {
		return wrapErr("delete", "", errors.Join(errs...))
	}
	return nil
}

// classify は SDK のエラーのうち「存在しない」系を ErrNotFound に変換します。
func classify(err error) error {
	if isS3NotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".doc":
		return "application/msword"
	default:
		return "application/octet-stream"
	}
}
