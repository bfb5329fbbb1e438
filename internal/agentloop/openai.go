package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

const proposalSchema = `{
  "type": "object",
  "required": ["command"],
  "properties": {
    "command": {"type": "string", "maxLength": 512},
    "rationale": {"type": "string"},
    "done": {"type": "boolean"}
  }
}`

var (
	schema     = mustSchema(proposalSchema)
	fenceBlock = regexp.MustCompile("(?s)```(?:bash|sh|shell)?\\s*\\n(.*?)```")
)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid proposal schema: %v", err))
	}
	return sc
}

// chatClient is the part of the OpenAI client the proposer uses
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProposer asks an OpenAI-compatible chat API for the next command
type OpenAIProposer struct {
	client    chatClient
	model     string
	maxTokens int
	timeout   time.Duration
	limiter   *rate.Limiter
}

// NewOpenAIProposer creates a proposer from the LLM settings. BaseURL
// points it at any OpenAI-compatible endpoint.
func NewOpenAIProposer(cfg config.LLMConfig) *OpenAIProposer {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAIProposer(openai.NewClientWithConfig(clientCfg), cfg)
}

func newOpenAIProposer(client chatClient, cfg config.LLMConfig) *OpenAIProposer {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &OpenAIProposer{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.RequestTimeout,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Model returns the configured model name
func (p *OpenAIProposer) Model() string { return p.model }

// Propose implements Proposer
func (p *OpenAIProposer) Propose(ctx context.Context, req Request) (Proposal, error) {
	system, user := BuildPrompt(req)
	content, tokens, err := p.chat(ctx, system, user, 0.1)
	if err != nil {
		return Proposal{}, err
	}
	prop, err := ParseProposal(content)
	if err != nil {
		return Proposal{}, err
	}
	prop.Model = p.model
	prop.Tokens = tokens
	return prop, nil
}

// chat sends one system and user message pair and returns the first choice
func (p *OpenAIProposer) chat(ctx context.Context, system, user string, temperature float32) (string, int, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", 0, &model.ExternalServiceError{Service: "llm", Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	creq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
	}
	if p.maxTokens > 0 {
		creq.MaxTokens = p.maxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", 0, &model.ExternalServiceError{Service: "llm", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", 0, &model.ExternalServiceError{Service: "llm", Err: errors.New("no choices returned")}
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// ParseProposal extracts a proposal from a reply. The first JSON object in
// the text must satisfy the proposal schema; without one the first command
// line of a fenced shell block is used.
func ParseProposal(text string) (Proposal, error) {
	invalid := "reply contains no JSON proposal or command block"
	if obj := firstObject(text); obj != "" {
		result, err := schema.Validate(gojsonschema.NewStringLoader(obj))
		switch {
		case err != nil:
			invalid = err.Error()
		case !result.Valid():
			invalid = schemaErrors(result)
		default:
			var prop Proposal
			if err := json.Unmarshal([]byte(obj), &prop); err != nil {
				return Proposal{}, &model.ValidationError{Field: "proposal", Message: err.Error()}
			}
			prop.Command = strings.TrimSpace(prop.Command)
			if prop.Command == "" && !prop.Done {
				return Proposal{}, &model.ValidationError{Field: "proposal.command", Message: "empty command without done"}
			}
			return prop, nil
		}
	}

	for _, block := range fenceBlock.FindAllStringSubmatch(text, -1) {
		for _, line := range strings.Split(block[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			return Proposal{Command: line, Rationale: "from markdown"}, nil
		}
	}
	return Proposal{}, &model.ValidationError{Field: "proposal", Message: invalid}
}

// firstObject returns the first balanced JSON object in text
func firstObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func schemaErrors(result *gojsonschema.Result) string {
	var msgs []string
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
