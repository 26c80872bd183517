package gemini

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/vango-go/plantassist/pkg/core/types"
	"github.com/vango-go/plantassist/pkg/media"
)

// AdvisorConfig configures one section's analysis.
type AdvisorConfig struct {
	Model             string
	SystemInstruction string
	// ThinkingBudget enables extended reasoning when positive.
	ThinkingBudget int32
	// Videos runs a related-video search alongside the analysis.
	Videos bool
}

// Advisor answers a prompt (and optional image) for one section.
type Advisor struct {
	client   *Client
	searcher *Searcher
	cfg      AdvisorConfig
	logger   *slog.Logger
}

// NewAdvisor builds an advisor. searcher may be nil when cfg.Videos is false.
func NewAdvisor(client *Client, searcher *Searcher, cfg AdvisorConfig, logger *slog.Logger) *Advisor {
	if cfg.Model == "" {
		cfg.Model = DefaultAdviceModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{client: client, searcher: searcher, cfg: cfg, logger: logger}
}

// Analyze sends prompt and img to the model. When video search is enabled it
// runs concurrently; its failure is logged and yields no videos rather than
// failing the analysis.
func (a *Advisor) Analyze(ctx context.Context, prompt string, img *media.Image) (types.Analysis, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if img != nil {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{}
	if a.cfg.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(a.cfg.SystemInstruction, genai.RoleUser)
	}
	if a.cfg.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(a.cfg.ThinkingBudget)}
	}

	var (
		g      errgroup.Group
		answer string
		videos []types.MediaRef
	)
	g.Go(func() error {
		text, err := a.client.generate(ctx, a.cfg.Model, contents, cfg)
		answer = text
		return err
	})
	if a.cfg.Videos && a.searcher != nil {
		g.Go(func() error {
			refs, err := a.searcher.SearchVideos(ctx, prompt)
			if err != nil {
				a.logger.Warn("video search failed", "model", a.searcher.model, "error", err)
				return nil
			}
			videos = refs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.Analysis{}, err
	}
	return types.Analysis{Text: answer, Media: videos}, nil
}
