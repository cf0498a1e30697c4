// Package structural rejects payloads that are oversized, nested, empty or
// not safely parseable XML before any content validation runs.
package structural

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/animus-labs/transit-ingest/internal/domain"
	"github.com/animus-labs/transit-ingest/internal/ingest/payload"
	"github.com/animus-labs/transit-ingest/internal/platform/env"
)

const defaultMaxFileSize = 5_000_000_000

type Config struct {
	MaxFileSize int64
}

func ConfigFromEnv() (Config, error) {
	maxSize, err := env.Int64("STRUCTURAL_MAX_FILE_SIZE", defaultMaxFileSize)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{MaxFileSize: maxSize}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxFileSize <= 0 {
		return errors.New("STRUCTURAL_MAX_FILE_SIZE must be positive")
	}
	return nil
}

type Validator struct {
	maxSize int64
}

func New(cfg Config) *Validator {
	maxSize := cfg.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	return &Validator{maxSize: maxSize}
}

var errBudgetExceeded = errors.New("decompressed size budget exceeded")

// Validate returns nil or a *domain.PipelineError for the first failed check.
func (v *Validator) Validate(ctx context.Context, p *payload.Payload) error {
	if p.Size > v.maxSize {
		return domain.NewPipelineError(domain.ErrFileTooLarge, fmt.Sprintf("%d bytes exceeds limit of %d", p.Size, v.maxSize), nil)
	}
	if p.Kind == payload.KindZip {
		if err := v.checkArchive(p); err != nil {
			return err
		}
	}

	files, err := p.DataFiles()
	if err != nil {
		return domain.NewPipelineError(domain.ErrNoDataFound, "archive is unreadable", err)
	}
	budget := &budgetReader{remaining: v.maxSize}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkXML(f, budget); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkArchive(p *payload.Payload) error {
	zr, err := p.Archive()
	if err != nil {
		return domain.NewPipelineError(domain.ErrNoDataFound, "archive is unreadable", err)
	}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		nested, err := isNestedArchive(zf)
		if err != nil {
			return domain.NewPipelineError(domain.ErrNoDataFound, "archive member "+zf.Name+" is unreadable", err)
		}
		if nested {
			return domain.NewPipelineError(domain.ErrNestedZipForbidden, zf.Name, nil)
		}
	}
	var total uint64
	dataFiles := 0
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		total += zf.UncompressedSize64
		if total > uint64(v.maxSize) {
			return domain.NewPipelineError(domain.ErrZipTooLarge, fmt.Sprintf("uncompressed size exceeds %d bytes", v.maxSize), nil)
		}
		if !payload.IsIgnored(zf.Name) && payload.IsDataFile(zf.Name) {
			dataFiles++
		}
	}
	if dataFiles == 0 {
		return domain.NewPipelineError(domain.ErrNoDataFound, "archive contains no xml files", nil)
	}
	return nil
}

func isNestedArchive(zf *zip.File) (bool, error) {
	if strings.EqualFold(path.Ext(zf.Name), ".zip") {
		return true, nil
	}
	if zf.UncompressedSize64 < 4 {
		return false, nil
	}
	rc, err := zf.Open()
	if err != nil {
		return false, err
	}
	defer rc.Close()
	head := make([]byte, 4)
	if _, err := io.ReadFull(rc, head); err != nil {
		return false, err
	}
	return payload.IsZipMagic(head), nil
}

// budgetReader caps the bytes read across every data file of a payload.
type budgetReader struct {
	r         io.Reader
	remaining int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errBudgetExceeded
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func checkXML(f payload.File, budget *budgetReader) error {
	rc, err := f.Open()
	if err != nil {
		return domain.NewPipelineError(domain.ErrNoDataFound, f.Name+" is unreadable", err)
	}
	defer rc.Close()
	budget.r = bufio.NewReader(rc)

	dec := xml.NewDecoder(budget)
	dec.Strict = true
	dec.CharsetReader = payload.CharsetReader

	tokens := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return classifyDecodeError(f.Name, dec, err)
		}
		tokens++
		if d, ok := tok.(xml.Directive); ok {
			line, _ := dec.InputPos()
			directive := strings.ToUpper(strings.TrimSpace(string(d)))
			if strings.HasPrefix(directive, "DOCTYPE") || strings.HasPrefix(directive, "ENTITY") {
				return domain.NewPipelineError(domain.ErrDangerousXML, fmt.Sprintf("%s: line %d: document type declarations are not allowed", f.Name, line), nil)
			}
		}
	}
	if tokens == 0 {
		return domain.NewPipelineError(domain.ErrXMLSyntax, f.Name+": document is empty", nil)
	}
	return nil
}

func classifyDecodeError(name string, dec *xml.Decoder, err error) error {
	switch {
	case errors.Is(err, errBudgetExceeded):
		return domain.NewPipelineError(domain.ErrZipTooLarge, "decompressed data exceeds the size limit", nil)
	case errors.Is(err, zip.ErrFormat), errors.Is(err, zip.ErrChecksum):
		return domain.NewPipelineError(domain.ErrZipTooLarge, name+": member does not match the archive directory", err)
	}
	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		if strings.HasPrefix(syntaxErr.Msg, "invalid character entity") && strings.HasSuffix(syntaxErr.Msg, ";") {
			return domain.NewPipelineError(domain.ErrDangerousXML, fmt.Sprintf("%s: line %d: %s", name, syntaxErr.Line, syntaxErr.Msg), nil)
		}
		return domain.NewPipelineError(domain.ErrXMLSyntax, fmt.Sprintf("%s: line %d: %s", name, syntaxErr.Line, syntaxErr.Msg), nil)
	}
	line, _ := dec.InputPos()
	return domain.NewPipelineError(domain.ErrXMLSyntax, fmt.Sprintf("%s: line %d: %v", name, line, err), nil)
}
