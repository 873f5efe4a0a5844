package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/translator"
)

var ErrUnsupportedFile = errors.New("unsupported file type")

// Extractor pulls the translatable text fragments out of one file, in
// document order.
type Extractor interface {
	Extract(ctx context.Context, file jobs.FileRef) ([]string, error)
}

// Writer persists the translations of one file and returns where they went.
type Writer interface {
	Write(ctx context.Context, file jobs.FileRef, targetLang string, results []translator.Result) (string, error)
}

// DirScoped writers can be redirected to a per-job output directory.
type DirScoped interface {
	InDir(dir string) Writer
}

// ByExtension routes files to an extractor by lower-cased extension.
// Fallback, when set, handles everything else.
type ByExtension struct {
	Extractors map[string]Extractor
	Fallback   Extractor
}

func (b ByExtension) Extract(ctx context.Context, file jobs.FileRef) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(file.Path))
	if e, ok := b.Extractors[ext]; ok {
		return e.Extract(ctx, file)
	}
	if b.Fallback != nil {
		return b.Fallback.Extract(ctx, file)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
}

// keepText drops fragments with nothing to translate.
func keepText(texts []string) []string {
	out := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}
