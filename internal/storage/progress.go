package storage

import "io"

// progressReader は読み込んだバイト数をコールバックへ通知します。
// Seek を実装しないため、SDK 側で再読込による二重計上が起きません。
type progressReader struct {
	r  io.Reader
	fn ProgressFunc
}

func newProgressReader(r io.Reader, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{r: r, fn: fn}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(int64(n))
	}
	return n, err
}

// progressWriterAt は並列ダウンロードで書き込まれたバイト数を通知します。
type progressWriterAt struct {
	w  io.WriterAt
	fn ProgressFunc
}

func newProgressWriterAt(w io.WriterAt, fn ProgressFunc) io.WriterAt {
	if fn == nil {
		return w
	}
	return &progressWriterAt{w: w, fn: fn}
}

func (p *progressWriterAt) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.w.WriteAt(b, off)
	if n > 0 {
		p.fn(int64(n))
	}
	return n, err
}

type progressWriter struct {
	w  io.Writer
	fn ProgressFunc
}

func newProgressWriter(w io.Writer, fn ProgressFunc) io.Writer {
	if fn == nil {
		return w
	}
	return &progressWriter{w: w, fn: fn}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 {
		p.fn(int64(n))
	}
	return n, err
}
