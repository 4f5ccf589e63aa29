package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configure the Anthropic conflict judge.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// AnthropicJudge implements ConflictJudge with the Anthropic Messages API.
// The model is asked for a JSON verdict; anything else is an error so the
// caller can fall back to keyword matching.
type AnthropicJudge struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

func defaultAnthropicOptions() AnthropicOptions {
	return AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Haiku20241022,
		Temperature: 0,
		MaxTokens:   256,
	}
}

// NewAnthropicJudge creates a judge using the official client.
func NewAnthropicJudge(optFns ...func(o *AnthropicOptions)) *AnthropicJudge {
	opts := defaultAnthropicOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)
	return &AnthropicJudge{client: &client, opts: opts}
}

// NewAnthropicJudgeFromClient creates a judge from an existing client.
func NewAnthropicJudgeFromClient(client *anthropic.Client, optFns ...func(o *AnthropicOptions)) *AnthropicJudge {
	opts := defaultAnthropicOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AnthropicJudge{client: client, opts: opts}
}

const judgeSystemPrompt = `You compare two statements made by different software agents working on the same codebase.
Decide whether they reach contradictory conclusions about the same subject.
Answer with a single JSON object: {"conflict": true|false, "reason": "<one sentence>", "score": <0..1>}.`

// Judge implements ConflictJudge.
func (j *AnthropicJudge) Judge(ctx context.Context, a, b Statement) (Verdict, error) {
	prompt := fmt.Sprintf("Subject A: %s\nAgent %s said:\n%s\n\nSubject B: %s\nAgent %s said:\n%s",
		a.Subject, a.AgentID, a.Text, b.Subject, b.AgentID, b.Text)

	resp, err := j.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       j.opts.Model,
		MaxTokens:   j.opts.MaxTokens,
		Temperature: anthropic.Float(j.opts.Temperature),
		System:      []anthropic.TextBlockParam{{Text: judgeSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("anthropic judge: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return parseVerdict(text.String())
}

// parseVerdict extracts the first JSON object from a model reply.
func parseVerdict(reply string) (Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("anthropic judge: no verdict in reply %q", reply)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(reply[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("anthropic judge: decode verdict: %w", err)
	}
	return v, nil
}
