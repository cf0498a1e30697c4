// Package payload gives the validation stages uniform access to a revision's
// submitted bytes, whether they arrived as a zip archive or a single XML file.
package payload

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/platform/objectstore"
)

type Kind string

const (
	KindZip Kind = "zip"
	KindXML Kind = "xml"
)

var zipMagic = []byte("PK\x03\x04")

// Opener yields a fresh reader over the same bytes on every call.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// Payload is a random-access view of the submitted bytes.
type Payload struct {
	Name string
	Kind Kind
	Size int64

	src    io.ReaderAt
	closer io.Closer
}

// New wraps src, detecting the kind from the leading bytes.
func New(name string, src io.ReaderAt, size int64) (*Payload, error) {
	head := make([]byte, 8)
	n, err := src.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	kind := Sniff(head[:n])
	if kind == "" {
		kind = KindFromName(name)
	}
	if kind == "" {
		kind = KindXML
	}
	return &Payload{Name: name, Kind: kind, Size: size, src: src}, nil
}

func FromBytes(name string, data []byte) (*Payload, error) {
	return New(name, bytes.NewReader(data), int64(len(data)))
}

// Fetch copies the object into a temporary file so archives can be read
// randomly. Close removes the file.
func Fetch(ctx context.Context, store objectstore.Store, bucket, key string) (*Payload, error) {
	body, info, err := store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	f, err := os.CreateTemp("", "payload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	size, err := io.Copy(f, body)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("copy object: %w", err)
	}
	if info.Size > 0 && info.Size != size {
		cleanup()
		return nil, fmt.Errorf("short object read: got %d of %d bytes", size, info.Size)
	}
	p, err := New(path.Base(key), f, size)
	if err != nil {
		cleanup()
		return nil, err
	}
	p.closer = tempFile{f}
	return p, nil
}

type tempFile struct{ f *os.File }

func (t tempFile) Close() error {
	err := t.f.Close()
	if rmErr := os.Remove(t.f.Name()); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func (p *Payload) Close() error {
	if p == nil || p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

// Open returns the raw payload bytes.
func (p *Payload) Open() (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(p.src, 0, p.Size)), nil
}

// Archive opens the payload as a zip archive.
func (p *Payload) Archive() (*zip.Reader, error) {
	if p.Kind != KindZip {
		return nil, errors.New("payload is not an archive")
	}
	zr, err := zip.NewReader(p.src, p.Size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return zr, nil
}

// File is one data file inside the payload.
type File struct {
	Name string
	// Size is the declared uncompressed size.
	Size int64
	open func() (io.ReadCloser, error)
}

func (f File) Open() (io.ReadCloser, error) {
	return f.open()
}

// DataFiles lists the XML documents the stages operate on. A single XML
// payload is its own only data file.
func (p *Payload) DataFiles() ([]File, error) {
	if p.Kind == KindXML {
		return []File{{Name: p.Name, Size: p.Size, open: p.Open}}, nil
	}
	zr, err := p.Archive()
	if err != nil {
		return nil, err
	}
	var files []File
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || IsIgnored(zf.Name) || !IsDataFile(zf.Name) {
			continue
		}
		files = append(files, File{Name: zf.Name, Size: int64(zf.UncompressedSize64), open: zf.Open})
	}
	return files, nil
}

// IsIgnored reports archive members that are never data: macOS resource
// forks and dot-files.
func IsIgnored(name string) bool {
	if strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/") {
		return true
	}
	return strings.HasPrefix(path.Base(name), ".")
}

func IsDataFile(name string) bool {
	return strings.EqualFold(path.Ext(name), ".xml")
}

// Sniff classifies leading bytes, returning "" when undecided.
func Sniff(head []byte) Kind {
	if bytes.HasPrefix(head, zipMagic) {
		return KindZip
	}
	trimmed := bytes.TrimLeft(head, "\xef\xbb\xbf \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("<")) {
		return KindXML
	}
	return ""
}

// KindFromContentType maps an HTTP media type, ignoring parameters.
func KindFromContentType(contentType string) Kind {
	mediaType, _, _ := strings.Cut(strings.ToLower(contentType), ";")
	switch strings.TrimSpace(mediaType) {
	case "application/zip", "application/x-zip-compressed":
		return KindZip
	case "application/xml", "text/xml":
		return KindXML
	default:
		return ""
	}
}

func KindFromName(name string) Kind {
	switch strings.ToLower(path.Ext(name)) {
	case ".zip":
		return KindZip
	case ".xml":
		return KindXML
	default:
		return ""
	}
}

// IsZipMagic reports whether head starts like a zip archive.
func IsZipMagic(head []byte) bool {
	return bytes.HasPrefix(head, zipMagic)
}
