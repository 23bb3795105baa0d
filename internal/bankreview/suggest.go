package bankreview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/odyssey-erp/odyssey-books/internal/accounting/accounts"
)

// Suggester proposes debit/credit accounts for a bank line.
type Suggester interface {
	Suggest(ctx context.Context, m Mutation, chart []accounts.Account) (Suggestion, error)
}

// GeminiSuggester asks a Gemini model to classify bank lines against the
// chart of accounts.
type GeminiSuggester struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

// NewGeminiSuggester creates the client. perMinute bounds outbound calls.
func NewGeminiSuggester(ctx context.Context, apiKey, model string, perMinute int) (*GeminiSuggester, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("bankreview: create genai client: %w", err)
	}
	if perMinute <= 0 {
		perMinute = 30
	}
	return &GeminiSuggester{
		client:  client,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}, nil
}

// Suggest implements Suggester.
func (g *GeminiSuggester) Suggest(ctx context.Context, m Mutation, chart []accounts.Account) (Suggestion, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Suggestion{}, err
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: buildPrompt(m, chart)}},
	}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Suggestion{}, fmt.Errorf("bankreview: generate content: %w", err)
	}
	raw := resp.Text()
	if raw == "" {
		return Suggestion{}, errors.New("bankreview: empty response from model")
	}
	return parseSuggestion(raw, chart)
}

func buildPrompt(m Mutation, chart []accounts.Account) string {
	var b strings.Builder
	b.WriteString("Anda adalah akuntan. Klasifikasikan mutasi rekening bank berikut ke akun debit dan kredit.\n")
	fmt.Fprintf(&b, "Tanggal: %s\nKeterangan: %s\nDebit bank: %s\nKredit bank: %s\n", m.Date, m.Description, m.Debit.StringFixed(2), m.Credit.StringFixed(2))
	if m.BankAccountCode != "" {
		fmt.Fprintf(&b, "Akun bank: %s\n", m.BankAccountCode)
	}
	b.WriteString("Daftar akun (kode - nama - tipe):\n")
	for _, a := range chart {
		fmt.Fprintf(&b, "%s - %s - %s\n", a.Code, a.Name, a.Type)
	}
	b.WriteString("\nBalas HANYA JSON mentah dengan bentuk " +
		`{"debit_code":"...","credit_code":"...","confidence":0.0,"reason":"..."}` +
		". Gunakan hanya kode dari daftar. confidence antara 0 dan 1.\n")
	return b.String()
}

// parseSuggestion decodes the model output, tolerating markdown fences, and
// rejects codes outside the chart.
func parseSuggestion(raw string, chart []accounts.Account) (Suggestion, error) {
	var s Suggestion
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &s); err != nil {
		return Suggestion{}, fmt.Errorf("bankreview: decode suggestion: %w", err)
	}
	known := make(map[string]bool, len(chart))
	for _, a := range chart {
		known[a.Code] = true
	}
	for _, code := range []string{s.DebitCode, s.CreditCode} {
		if !known[code] {
			return Suggestion{}, fmt.Errorf("bankreview: model suggested unknown account %q", code)
		}
	}
	switch {
	case s.Confidence < 0:
		s.Confidence = 0
	case s.Confidence > 1:
		s.Confidence = 1
	}
	return s, nil
}

func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return s
}
