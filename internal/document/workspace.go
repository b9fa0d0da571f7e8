package document

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// workspace は 1 回の変換専用の作業ディレクトリです。
type workspace struct {
	id     string
	dir    string
	inDir  string
	outDir string
}

func createWorkspace(base string) (workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(base, id)
	ws := workspace{
		id:     id,
		dir:    dir,
		inDir:  filepath.Join(dir, "in"),
		outDir: filepath.Join(dir, "out"),
	}
	for _, d := range []string{ws.inDir, ws.outDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			_ = os.RemoveAll(dir)
			return workspace{}, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

func (w workspace) remove() error {
	if w.dir == "" {
		return nil
	}
	return os.RemoveAll(w.dir)
}
