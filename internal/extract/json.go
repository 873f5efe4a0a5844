package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MimeLyc/slide-translator/internal/jobs"
	"github.com/MimeLyc/slide-translator/internal/translator"
	"github.com/MimeLyc/slide-translator/pkg/file"
)

// JSONExtractor reads pre-extracted documents of the form {"texts": [...]}.
type JSONExtractor struct{}

type textDocument struct {
	Texts []string `json:"texts"`
}

func (JSONExtractor) Extract(ctx context.Context, ref jobs.FileRef) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ref.Name, err)
	}
	var doc textDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("extract %s: invalid document: %w", ref.Name, err)
	}
	return keepText(doc.Texts), nil
}

// TranslatedDocument is what JSONWriter produces for each file.
type TranslatedDocument struct {
	Source     string              `json:"source"`
	TargetLang string              `json:"target_lang"`
	Segments   []translator.Result `json:"segments"`
	WrittenAt  time.Time           `json:"written_at"`
}

// JSONWriter writes <name>.<target>.json into Dir, or next to the source
// file when Dir is empty.
type JSONWriter struct {
	Dir string
	Now func() time.Time
}

var _ DirScoped = JSONWriter{}

func (w JSONWriter) InDir(dir string) Writer {
	if dir == "" {
		return w
	}
	w.Dir = dir
	return w
}

func (w JSONWriter) Write(ctx context.Context, ref jobs.FileRef, targetLang string, results []translator.Result) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := w.Dir
	if dir == "" {
		dir = filepath.Dir(ref.Path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if results == nil {
		results = []translator.Result{}
	}
	content, err := json.MarshalIndent(TranslatedDocument{
		Source:     ref.Name,
		TargetLang: targetLang,
		Segments:   results,
		WrittenAt:  now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	content = append(content, '\n')

	path := filepath.Join(dir, file.ReplaceExt(filepath.Base(ref.Name), "."+targetLang+".json"))
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", err
	}
	return path, nil
}
