package provider

import (
	"context"
	"fmt"

	"github.com/MimeLyc/slide-translator/internal/translator"
)

// Echo is an offline provider for local runs: it tags each text with the
// target language instead of translating it.
type Echo struct{}

var _ translator.BatchProvider = Echo{}

func (Echo) Translate(ctx context.Context, text, _, targetLang string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}

func (e Echo) TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error) {
	out := make([]string, len(texts))
	for i, text := range texts {
		translated, err := e.Translate(ctx, text, sourceLang, targetLang)
		if err != nil {
			return nil, err
		}
		out[i] = translated
	}
	return out, nil
}
