// Package archive reads and writes exported database images. An image is
// the decoded pages of a database in order, either as is or xz compressed.
package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// xzMagic starts every xz stream.
var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// Writer writes an image file.
type Writer struct {
	f  *os.File
	xw *xz.Writer
	w  io.Writer
}

// Create creates the image file at path and its parent directories.
// The image is xz compressed when compress is set.
func Create(path string, compress bool) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}
	iw := &Writer{f: f, w: f}
	if compress {
		xw, err := xz.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		iw.xw, iw.w = xw, xw
	}
	return iw, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Close flushes the compressor and closes the file.
func (w *Writer) Close() error {
	var err error
	if w.xw != nil {
		if cerr := w.xw.Close(); cerr != nil {
			err = fmt.Errorf("failed to close xz writer: %w", cerr)
		}
	}
	if cerr := w.f.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close image file: %w", cerr)
	}
	return err
}

// Reader reads an image file, decompressing it when it is an xz stream.
type Reader struct {
	f *os.File
	r io.Reader
	// Compressed reports whether the file is an xz stream.
	Compressed bool
}

// Open opens the image file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	br := bufio.NewReader(f)
	head, err := br.Peek(len(xzMagic))
	if err != nil && err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	ir := &Reader{f: f, r: br}
	if bytes.Equal(head, xzMagic) {
		xr, err := xz.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		ir.r, ir.Compressed = xr, true
	}
	return ir, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.f.Close()
}
