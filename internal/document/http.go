package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Submitter はアップロードされたファイルのジョブを開始します。
type Submitter interface {
	Submit(ctx context.Context, up Upload) (*SubmitResult, error)
}

// ProgressReader はジョブの進捗を返します。
type ProgressReader interface {
	UploadProgress(ctx context.Context, key string) (float64, error)
	ConversionProgress(ctx context.Context, key string) (int, string, error)
}

// Retriever は変換結果を取り出します。
type Retriever interface {
	Retrieve(ctx context.Context, key string) (*Artifact, error)
}

// UploadHandler は POST /upload のハンドラーを返します。
// maxFileSize を超える分は読み込まず、サイズ超過として扱います。
func UploadHandler(svc Submitter, maxFileSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    codeInvalidInput,
				"message": "send the document as multipart/form-data in the \"file\" field",
			})
			return
		}

		f, err := fh.Open()
		if err != nil {
			respondWithError(c, fmt.Errorf("failed to open uploaded file: %w", err))
			return
		}
		defer f.Close()

		body, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
		if err != nil {
			respondWithError(c, fmt.Errorf("failed to read uploaded file: %w", err))
			return
		}

		result, err := svc.Submit(c.Request.Context(), Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        body,
		})
		if err != nil {
			respondWithError(c, err)
			return
		}

		if result.Queued {
			c.JSON(http.StatusAccepted, gin.H{
				"message":           "File uploaded, conversion queued",
				"original_filename": result.Key,
				"pdf_filename":      result.OutputKey,
				"content_type":      result.ContentType,
				"bucket":            result.Location,
				"task_id":           result.TaskID,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message":           "File uploaded and converted successfully",
			"original_filename": result.Key,
			"pdf_filename":      result.OutputKey,
			"content_type":      result.ContentType,
			"bucket":            result.Location,
			"pages":             result.Pages,
		})
	}
}

// UploadProgressHandler は GET /upload-progress/:filename のハンドラーを返します。
func UploadProgressHandler(svc ProgressReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("filename")
		pct, err := svc.UploadProgress(c.Request.Context(), key)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": key, "progress": pct})
	}
}

// ConversionProgressHandler は GET /convert-progress/:filename のハンドラーを返します。
func ConversionProgressHandler(svc ProgressReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Param("filename")
		pct, status, err := svc.ConversionProgress(c.Request.Context(), key)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"filename": key, "progress": pct, "status": status})
	}
}

// DownloadHandler は GET /download/:filename のハンドラーを返します。
// 成功するとストレージ内の全ファイルが削除されます。
func DownloadHandler(svc Retriever) gin.HandlerFunc {
	return func(c *gin.Context) {
		art, err := svc.Retrieve(c.Request.Context(), c.Param("filename"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.Header("Content-Disposition", contentDisposition(art.Key))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, art.ContentType, art.Body)
	}
}

// contentDisposition は添付ファイルとしての Content-Disposition を組み立てます。
// 非 ASCII のファイル名は RFC 2231 形式 (filename*) になります。
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

// RateLimit はアップロードの秒間リクエスト数を制限するミドルウェアを返します。
// limit が 0 以下の場合は制限しません。
func RateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "too many uploads, try again later",
			})
			return
		}
		c.Next()
	}
}

func respondWithError(c *gin.Context, err error) {
	var docErr *Error
	switch {
	case errors.As(err, &docErr):
		c.JSON(docErr.Status(), gin.H{
			"code":    docErr.Code,
			"message": docErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "the request was canceled",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "an internal server error occurred",
		})
	}
}
