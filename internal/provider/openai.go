package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/MimeLyc/slide-translator/internal/glossary"
	"github.com/MimeLyc/slide-translator/internal/translator"
)

const (
	DefaultModel   = openai.GPT4oMini
	DefaultTimeout = 60 * time.Second

	// segmentSeparator delimits units in a batch prompt and its reply.
	segmentSeparator = "%%"
	// inlineBreak stands in for newlines inside a unit so they survive the
	// line-oriented batch format.
	inlineBreak = "<br>"
)

// ModelScoped providers can be re-targeted at another model per job.
type ModelScoped interface {
	ForModel(model string) translator.Provider
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	// HTTPClient overrides the default client; its transport is wrapped to
	// observe rate-limit headers.
	HTTPClient *http.Client
}

// OpenAI translates through any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
}

var (
	_ translator.BatchProvider = (*OpenAI)(nil)
	_ ModelScoped              = (*OpenAI)(nil)
)

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, translator.NewConfigError("provider API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	} else {
		clone := *httpClient
		httpClient = &clone
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient.Transport = &statusCapture{base: base}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = httpClient

	return &OpenAI{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

func (p *OpenAI) Model() string { return p.model }

// ForModel returns a provider sharing the same client but using model.
func (p *OpenAI) ForModel(model string) translator.Provider {
	if model == "" || model == p.model {
		return p
	}
	clone := *p
	clone.model = model
	return &clone
}

func (p *OpenAI) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	terms := glossary.FromContext(ctx).Match(text)
	content, err := p.complete(ctx, buildSinglePrompt(sourceLang, targetLang, terms), text)
	if err != nil {
		return "", err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", translator.NewError(translator.ErrUnknown, "provider returned an empty translation")
	}
	return content, nil
}

// TranslateBatch sends all texts in one request. A reply with a different
// segment count is returned as is; the caller decides how to recover.
func (p *OpenAI) TranslateBatch(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	encoded := make([]string, len(texts))
	for i, text := range texts {
		encoded[i] = strings.ReplaceAll(text, "\n", inlineBreak)
	}
	terms := glossary.FromContext(ctx).Match(texts...)
	content, err := p.complete(ctx, buildBatchPrompt(sourceLang, targetLang, len(texts), terms), strings.Join(encoded, "\n"+segmentSeparator+"\n"))
	if err != nil {
		return nil, err
	}
	return splitSegments(content), nil
}

func (p *OpenAI) complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	hint := &responseHint{}
	ctx = context.WithValue(ctx, responseHintKey{}, hint)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
		Temperature: p.temperature,
	})
	if err != nil {
		return "", classifyError(err, hint)
	}
	if len(resp.Choices) == 0 {
		return "", translator.NewError(translator.ErrUnknown, "no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError maps transport and HTTP failures onto the translator error
// taxonomy so the retry classifier can act on them.
func classifyError(err error, hint *responseHint) error {
	switch {
	case errors.Is(err, context.Canceled):
		return translator.WrapError(err, translator.ErrCancelled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return translator.WrapError(err, translator.ErrTimeout, "request timed out")
	}

	status, message := 0, err.Error()
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, message = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	observedStatus, retryAfter := hint.get()
	if status == 0 {
		status = observedStatus
	}

	if status == 0 {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return translator.WrapError(err, translator.ErrTimeout, "request timed out")
		}
		return translator.NewNetworkError("provider request failed", err)
	}

	switch {
	case status == http.StatusTooManyRequests:
		rl := translator.NewRateLimitError(message, retryAfter)
		rl.Cause = err
		return rl
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return translator.WrapError(err, translator.ErrAuthentication, message)
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return translator.WrapError(err, translator.ErrValidation, message)
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return translator.WrapError(err, translator.ErrTimeout, message)
	case status >= 500:
		return translator.NewNetworkError(message, err)
	default:
		return translator.WrapError(err, translator.ErrUnknown, fmt.Sprintf("unexpected status %d: %s", status, message))
	}
}

func buildSinglePrompt(sourceLang, targetLang string, terms glossary.Glossary) string {
	var prompt strings.Builder
	prompt.WriteString("You are a professional translator for presentation slides. ")
	prompt.WriteString("Translate the user's text from " + languageLabel(sourceLang) + " to " + targetLang + ".\n\n")
	prompt.WriteString("=== TRANSLATION GUIDELINES ===\n")
	prompt.WriteString("1. Keep slide text concise; do not expand bullet points into sentences\n")
	prompt.WriteString("2. Preserve numbers, product names, URLs and placeholders such as {0} unchanged\n")
	prompt.WriteString("3. Keep the original line breaks\n")
	writeGlossary(&prompt, terms)
	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString("Return ONLY the translation. Do not include any explanations, notes, or quotes.\n")
	return prompt.String()
}

func buildBatchPrompt(sourceLang, targetLang string, count int, terms glossary.Glossary) string {
	var prompt strings.Builder
	prompt.WriteString("You are a professional translator for presentation slides. ")
	prompt.WriteString("Translate each text segment from " + languageLabel(sourceLang) + " to " + targetLang + ".\n\n")
	prompt.WriteString("=== TRANSLATION GUIDELINES ===\n")
	prompt.WriteString("1. Translate every segment independently; never merge or split segments\n")
	prompt.WriteString("2. Preserve numbers, product names, URLs and placeholders such as {0} unchanged\n")
	prompt.WriteString("3. Preserve " + inlineBreak + " inline break markers\n")
	writeGlossary(&prompt, terms)
	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString("Segments are separated by a line containing only " + segmentSeparator + ".\n")
	prompt.WriteString(fmt.Sprintf("Return exactly %d translated segments separated the same way, in the same order.\n", count))
	prompt.WriteString("Do not include any explanations, notes, or numbering.\n")
	return prompt.String()
}

// writeGlossary lists required term translations; they take precedence over
// the guideline to keep product names unchanged.
func writeGlossary(prompt *strings.Builder, terms glossary.Glossary) {
	if len(terms) == 0 {
		return
	}
	prompt.WriteString("\n=== GLOSSARY ===\n")
	prompt.WriteString("Always translate these terms exactly as given:\n")
	for _, e := range terms.Entries() {
		prompt.WriteString(fmt.Sprintf("- %s => %s\n", e.Source, e.Target))
	}
}

func languageLabel(lang string) string {
	if lang == "" || lang == translator.AutoDetect {
		return "the detected source language"
	}
	return lang
}

func splitSegments(content string) []string {
	var (
		segments []string
		current  []string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(current, "\n"))
		segments = append(segments, strings.ReplaceAll(text, inlineBreak, "\n"))
		current = current[:0]
	}
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		if strings.TrimSpace(line) == segmentSeparator {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return segments
}

type responseHintKey struct{}

// responseHint carries the HTTP status and Retry-After of the last response
// for one request back to classifyError.
type responseHint struct {
	mu         sync.Mutex
	status     int
	retryAfter time.Duration
}

func (h *responseHint) set(status int, retryAfter time.Duration) {
	h.mu.Lock()
	h.status, h.retryAfter = status, retryAfter
	h.mu.Unlock()
}

func (h *responseHint) get() (int, time.Duration) {
	if h == nil {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.retryAfter
}

type statusCapture struct {
	base http.RoundTripper
}

func (t *statusCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil && resp.StatusCode >= 400 {
		if hint, ok := req.Context().Value(responseHintKey{}).(*responseHint); ok {
			hint.set(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
	}
	return resp, err
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
