package converter

import (
	"fmt"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Inspector は変換結果のファイルを検証します。
type Inspector interface {
	// Inspect はファイルが読めることを確認し、ページ数を返します。
	Inspect(path string) (int, error)
}

// PDFInspector は pdfcpu で PDF を読み込み、ページ数を取得します。
type PDFInspector struct{}

func (PDFInspector) Inspect(path string) (int, error) {
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("converted PDF is unreadable: %w", err)
	}
	if pages <= 0 {
		return 0, fmt.Errorf("converted PDF has no pages")
	}
	return pages, nil
}
