package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"commandcore/internal/domain"
)

const planDirective = `You are the planning core of a system maintenance assistant.
Given a maintenance request, produce an execution plan:
- summary: one sentence describing what will be done
- steps: the ordered actions the operator will see
- command: the exact shell command or directive to dispatch
- executor: which engine should run it (cmd, python, ai, ffmpeg, whisper, web_agent, coder, cleaner)
- riskLevel: "low" or "high"; anything that deletes data, touches credentials, or alters system state is high
- requiresApproval: true when a human must confirm before dispatch
Respond with JSON only.`

const analysisDirective = `Describe this file for a maintenance index.
Return altText (one sentence) and exactly 5 short lowercase tags.`

var planSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary":          {Type: genai.TypeString},
		"steps":            {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"command":          {Type: genai.TypeString},
		"executor":         {Type: genai.TypeString},
		"riskLevel":        {Type: genai.TypeString, Enum: []string{"low", "high"}},
		"requiresApproval": {Type: genai.TypeBoolean},
	},
	Required: []string{"summary", "steps", "command", "riskLevel", "requiresApproval"},
}

var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"altText": {Type: genai.TypeString},
		"tags":    {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"altText", "tags"},
}

// Gemini generates plans and asset analyses through the Gemini API.
type Gemini struct {
	client      *genai.Client
	Model       string
	VisionModel string
	Timeout     time.Duration
}

func NewGemini(ctx context.Context, apiKey, model, visionModel string, timeout time.Duration) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, Model: model, VisionModel: visionModel, Timeout: timeout}, nil
}

func (g *Gemini) GeneratePlan(ctx context.Context, label string, att *Attachment) (domain.ExecutionPlan, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	parts := []*genai.Part{genai.NewPartFromText("Maintenance request: " + label)}
	if att != nil && len(att.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(att.Data, att.MimeType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.Model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(planDirective, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    planSchema,
	})
	if err != nil {
		return domain.ExecutionPlan{}, &GenerationError{Model: g.Model, Err: err}
	}
	return decodePlan(resp.Text())
}

// AnalysisResult is the indexing output for an uploaded asset.
type AnalysisResult struct {
	AltText string   `json:"altText"`
	Tags    []string `json:"tags"`
}

func (g *Gemini) AnalyzeAsset(ctx context.Context, data []byte, mimeType string) (AnalysisResult, error) {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	model := g.VisionModel
	if model == "" {
		model = g.Model
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(data, mimeType),
		genai.NewPartFromText(analysisDirective),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema,
	})
	if err != nil {
		return AnalysisResult{}, &GenerationError{Model: model, Err: err}
	}

	var out AnalysisResult
	if err := json.Unmarshal([]byte(resp.Text()), &out); err != nil {
		return AnalysisResult{}, &ParseError{Raw: resp.Text(), Reason: "invalid analysis json: " + err.Error()}
	}
	if out.AltText == "" || len(out.Tags) == 0 {
		return AnalysisResult{}, &ParseError{Raw: resp.Text(), Reason: "analysis missing altText or tags"}
	}
	return out, nil
}

// planWire matches the field names the response schema asks the model for.
// Steps and RequiresApproval are pointers so an absent field can be told
// apart from an empty or false one.
type planWire struct {
	Summary          string    `json:"summary"`
	Steps            *[]string `json:"steps"`
	Command          string    `json:"command"`
	Executor         string    `json:"executor"`
	RiskLevel        string    `json:"riskLevel"`
	RequiresApproval *bool     `json:"requiresApproval"`
}

// decodePlan validates model output strictly. A plan missing a required
// field is rejected rather than repaired.
func decodePlan(raw string) (domain.ExecutionPlan, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "empty response"}
	}

	var wire planWire
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "invalid json: " + err.Error()}
	}
	if wire.Summary == "" {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "missing summary"}
	}
	if wire.Steps == nil {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "missing steps"}
	}
	if wire.Command == "" {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "missing command"}
	}
	if wire.RiskLevel != domain.RiskLow && wire.RiskLevel != domain.RiskHigh {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: fmt.Sprintf("invalid riskLevel %q", wire.RiskLevel)}
	}
	if wire.RequiresApproval == nil {
		return domain.ExecutionPlan{}, &ParseError{Raw: raw, Reason: "missing requiresApproval"}
	}
	return domain.ExecutionPlan{
		Summary:          wire.Summary,
		Steps:            *wire.Steps,
		Command:          wire.Command,
		Executor:         wire.Executor,
		RiskLevel:        wire.RiskLevel,
		RequiresApproval: *wire.RequiresApproval,
	}, nil
}
