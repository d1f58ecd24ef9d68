package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	"asset-monitor/internal/models"
)

// Explanation is the text attached to a flagged position.
type Explanation struct {
	Reason         string `json:"reason"`
	Recommendation string `json:"recommendation"`
}

// Explainer writes a reason and recommendation for a position. Callers
// bound it with a timeout and fall back to fixed text on any error.
type Explainer interface {
	Explain(ctx context.Context, pos models.PortfolioPosition) (Explanation, error)
}

type GeminiExplainer struct {
	client *genai.Client
	model  string
}

func NewGeminiExplainer(client *genai.Client, model string) *GeminiExplainer {
	return &GeminiExplainer{client: client, model: model}
}

func (g *GeminiExplainer) Explain(ctx context.Context, pos models.PortfolioPosition) (Explanation, error) {
	price := pos.BoughtPrice
	if pos.CurrentPrice != nil {
		price = *pos.CurrentPrice
	}
	prompt := fmt.Sprintf(`You are a risk analyst. A %s position in %s was bought at %.4f and now trades at %.4f.
Quantity: %g. Profit/loss: %.2f (%.2f%%). Risk level: %s, score %.0f/100.
Reply with a JSON object {"reason": "...", "recommendation": "..."}; each value one short sentence.`,
		pos.AssetClass, pos.Symbol, pos.BoughtPrice, price, pos.Quantity,
		pos.ProfitLoss, pos.ProfitLossPercent, pos.RiskLevel, pos.RiskScore)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return Explanation{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return Explanation{}, errors.New("empty model response")
	}
	return parseExplanation(resp.Candidates[0].Content.Parts[0].Text)
}

// parseExplanation accepts a bare JSON object, optionally wrapped in a
// markdown code fence.
func parseExplanation(raw string) (Explanation, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) {
		return Explanation{}, errors.New("model reply is not json")
	}
	parsed := gjson.Parse(raw)
	out := Explanation{
		Reason:         strings.TrimSpace(parsed.Get("reason").String()),
		Recommendation: strings.TrimSpace(parsed.Get("recommendation").String()),
	}
	if out.Reason == "" || out.Recommendation == "" {
		return Explanation{}, errors.New("model reply misses reason or recommendation")
	}
	return out, nil
}
