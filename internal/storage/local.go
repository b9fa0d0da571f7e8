package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// stagingDir は書き込み途中のファイルを置くディレクトリです。キー空間には含めません。
const stagingDir = ".staging"

// LocalGateway はローカルディレクトリをバケットとして扱う Gateway 実装です。
// 開発環境とテストで使用します。
type LocalGateway struct {
	root string
}

// NewLocalGateway は root 配下にオブジェクトを保存する LocalGateway を作成します。
func NewLocalGateway(root string) (*LocalGateway, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &LocalGateway{root: abs}, nil
}

func (g *LocalGateway) Location() string {
	return g.root
}

func (g *LocalGateway) Put(ctx context.Context, key string, body []byte, contentType string, onProgress ProgressFunc) error {
	path, err := g.pathFor(key)
	if err != nil {
		return wrapErr("put", key, err)
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("put", key, err)
	}
	return wrapErr("put", key, writeAtomic(path, g.staging(), bytes.NewReader(body), onProgress))
}

func (g *LocalGateway) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := g.pathFor(key)
	if err != nil {
		return nil, wrapErr("get", key, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr("get", key, classifyFS(err))
	}
	return data, nil
}

func (g *LocalGateway) StatSize(ctx context.Context, key string) (int64, error) {
	path, err := g.pathFor(key)
	if err != nil {
		return 0, wrapErr("stat", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, wrapErr("stat", key, classifyFS(err))
	}
	if info.IsDir() {
		return 0, wrapErr("stat", key, ErrNotFound)
	}
	return info.Size(), nil
}

func (g *LocalGateway) Download(ctx context.Context, key, destPath string, onProgress ProgressFunc) error {
	path, err := g.pathFor(key)
	if err != nil {
		return wrapErr("download", key, err)
	}
	src, err := os.Open(path)
	if err != nil {
		return wrapErr("download", key, classifyFS(err))
	}
	defer src.Close()

	return wrapErr("download", key, writeAtomic(destPath, filepath.Dir(destPath), src, onProgress))
}

func (g *LocalGateway) Upload(ctx context.Context, srcPath, key string, onProgress ProgressFunc) error {
	path, err := g.pathFor(key)
	if err != nil {
		return wrapErr("upload", key, err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return wrapErr("upload", key, err)
	}
	defer src.Close()

	return wrapErr("upload", key, writeAtomic(path, g.staging(), src, onProgress))
}

func (g *LocalGateway) ListAllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(g.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == g.staging() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(g.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, wrapErr("list", "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *LocalGateway) DeleteAll(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		path, err := g.pathFor(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if len(errs) > 0 {
		return wrapErr("delete", "", errors.Join(errs...))
	}
	return nil
}

// pathFor はキーをルート配下のパスに変換します。ルート外を指すキーは拒否します。
func (g *LocalGateway) pathFor(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	path := filepath.Join(g.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(g.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	if rel == stagingDir || strings.HasPrefix(rel, stagingDir+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return path, nil
}

func (g *LocalGateway) staging() string {
	return filepath.Join(g.root, stagingDir)
}

// writeAtomic は tmpDir に一時ファイルを書き込んでから path へリネームします。
// tmpDir と path は同じファイルシステム上にある必要があります。
func writeAtomic(path, tmpDir string, src io.Reader, onProgress ProgressFunc) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(newProgressWriter(tmp, onProgress), src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write object data: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func classifyFS(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
