package document

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Artifact はダウンロード対象のファイルです。
type Artifact struct {
	Key         string
	ContentType string
	Body        []byte
}

// Retrieve は key のファイルを読み込み、その後ストレージ内の全オブジェクトを削除します。
// ファイルが存在しない場合は何も削除しません。削除に失敗した場合はファイルを返しません。
func (s *Service) Retrieve(ctx context.Context, key string) (*Artifact, error) {
	if key == "" {
		return nil, newError(KindValidation, codeInvalidInput, "filename is required", nil)
	}

	body, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, storageError("failed to read file", err)
	}

	if err := s.purge(ctx); err != nil {
		return nil, err
	}

	return &Artifact{
		Key:         key,
		ContentType: artifactContentType(key, body),
		Body:        body,
	}, nil
}

// purge はストレージの全オブジェクトを削除します。
// 並行して保存中の他ジョブのファイルも対象になります。
func (s *Service) purge(ctx context.Context) error {
	keys, err := s.storage.ListAllKeys(ctx)
	if err != nil {
		return storageError("failed to list stored files", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.storage.DeleteAll(ctx, keys); err != nil {
		s.logger.Error("failed to clear stored files", zap.Int("count", len(keys)), zap.Error(err))
		return newError(KindStorage, codeStorageError, "failed to clear stored files", err)
	}
	s.logger.Info("all stored files cleared", zap.Int("count", len(keys)), zap.String("location", s.storage.Location()))
	return nil
}

func artifactContentType(key string, body []byte) string {
	if strings.EqualFold(filepath.Ext(key), ".pdf") {
		return "application/pdf"
	}
	return mimetype.Detect(body).String()
}
