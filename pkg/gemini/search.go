package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/plantassist/pkg/core/types"
)

const (
	MaxPDFResults   = 12
	MaxVideoResults = 3
)

// Searcher runs Google-Search-grounded lookups and turns the markdown link
// list in the answer into media references.
type Searcher struct {
	client *Client
	model  string
	// fallbackTitle labels the single placeholder returned when a PDF
	// search answer contains no parseable links.
	fallbackTitle string
}

// NewSearcher returns a searcher using model (DefaultSearchModel when empty).
func NewSearcher(client *Client, model, fallbackTitle string) *Searcher {
	if model == "" {
		model = DefaultSearchModel
	}
	return &Searcher{client: client, model: model, fallbackTitle: fallbackTitle}
}

func groundedConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
}

// SearchPDFs finds up to MaxPDFResults PDF documents about query. When a
// non-empty answer holds no links, a single entry titled with the fallback
// label and URL "#" is returned so the caller can show that the search ran.
// An empty answer yields no results.
func (s *Searcher) SearchPDFs(ctx context.Context, query string) ([]types.MediaRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	prompt := fmt.Sprintf(
		"Search the web for technical or scientific PDF documents about: %q.\n"+
			"Return at most %d results as a markdown list, one per line, formatted exactly as [Document title](direct URL to the PDF).\n"+
			"Do not add any other text.", query, MaxPDFResults)

	answer, err := s.client.generate(ctx, s.model, genai.Text(prompt), groundedConfig())
	if err != nil {
		return nil, err
	}
	refs := ParseMarkdownLinks(answer)
	if len(refs) == 0 {
		if strings.TrimSpace(answer) == "" {
			return nil, nil
		}
		return []types.MediaRef{{Title: s.fallbackTitle, URL: "#"}}, nil
	}
	if len(refs) > MaxPDFResults {
		refs = refs[:MaxPDFResults]
	}
	return refs, nil
}

// SearchVideos finds up to MaxVideoResults YouTube videos related to topic.
// An answer without video links yields an empty result.
func (s *Searcher) SearchVideos(ctx context.Context, topic string) ([]types.MediaRef, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, nil
	}
	prompt := fmt.Sprintf(
		"Find up to %d YouTube videos that help a water treatment plant operator with: %q.\n"+
			"Return only a markdown list, one per line, formatted as [Video title](YouTube URL).", MaxVideoResults, topic)

	answer, err := s.client.generate(ctx, s.model, genai.Text(prompt), groundedConfig())
	if err != nil {
		return nil, err
	}
	var out []types.MediaRef
	for _, ref := range ParseMarkdownLinks(answer) {
		if !isVideoURL(ref.URL) {
			continue
		}
		out = append(out, ref)
		if len(out) == MaxVideoResults {
			break
		}
	}
	return out, nil
}
