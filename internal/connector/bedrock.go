package connector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
	"github.com/eugenenazirov/bedrock-chat/internal/message"
)

const (
	// ProviderBedrock is the registry name of the Bedrock connector.
	ProviderBedrock = "bedrock"

	anthropicVersion = "bedrock-2023-05-31"
	signingService   = "bedrock"
	defaultRegion    = "us-east-1"

	actionInvoke = "invoke"
	actionStream = "invoke-with-response-stream"

	credentialProbeTimeout = 5 * time.Second
)

// BedrockOption customises a Bedrock connector.
type BedrockOption func(*Bedrock)

// WithEndpoint overrides the bedrock-runtime base URL.
func WithEndpoint(endpoint string) BedrockOption {
	return func(b *Bedrock) {
		b.endpoint = endpoint
	}
}

// WithHTTPClient sets the client used for model calls.
func WithHTTPClient(client *http.Client) BedrockOption {
	return func(b *Bedrock) {
		b.client = client
	}
}

// WithCredentialsProvider bypasses credential resolution.
func WithCredentialsProvider(p aws.CredentialsProvider) BedrockOption {
	return func(b *Bedrock) {
		b.creds = p
	}
}

// Bedrock talks to Anthropic models through the bedrock-runtime invoke API.
type Bedrock struct {
	cfg      *config.Config
	logger   *zap.Logger
	client   *http.Client
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	region   string
	endpoint string
	now      func() time.Time

	mu    sync.RWMutex
	model string
}

// NewBedrock builds a connector from session credentials. Incomplete
// credentials do not fail construction; IsConfigured reports false instead.
func NewBedrock(ctx context.Context, p Params, opts ...BedrockOption) (*Bedrock, error) {
	if p.Config == nil {
		return nil, errors.New("bedrock connector requires a config")
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bedrock{
		cfg:      p.Config,
		logger:   logger.With(zap.String("provider", ProviderBedrock)),
		client:   p.HTTPClient,
		signer:   v4.NewSigner(),
		region:   firstNonEmpty(p.Credentials.Region, p.Config.AWS.Region, defaultRegion),
		endpoint: p.Config.AWS.Endpoint,
		now:      time.Now,
		model:    firstNonEmpty(p.Model, p.Config.DefaultModel()),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		b.client = &http.Client{}
	}
	if b.endpoint == "" {
		b.endpoint = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", b.region)
	}
	b.endpoint = strings.TrimRight(b.endpoint, "/")

	if b.creds == nil {
		b.creds = b.resolveCredentials(ctx, p)
	}
	return b, nil
}

func (b *Bedrock) resolveCredentials(ctx context.Context, p Params) aws.CredentialsProvider {
	if p.Credentials.Complete() {
		return credentials.NewStaticCredentialsProvider(
			strings.TrimSpace(p.Credentials.AccessKeyID),
			strings.TrimSpace(p.Credentials.SecretAccessKey),
			"",
		)
	}
	if !p.Config.AWS.UseDefaultCredentials {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, credentialProbeTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(probeCtx, awsconfig.WithRegion(b.region))
	if err != nil {
		b.logger.Warn("failed to load default AWS config", zap.Error(err))
		return nil
	}
	if _, err := awsCfg.Credentials.Retrieve(probeCtx); err != nil {
		b.logger.Warn("default AWS credential chain did not resolve", zap.Error(err))
		return nil
	}
	return awsCfg.Credentials
}

// IsConfigured reports whether requests can be signed.
func (b *Bedrock) IsConfigured() bool {
	return b.creds != nil
}

// ModelName returns the selected display name.
func (b *Bedrock) ModelName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model
}

// SetModel selects another catalog entry.
func (b *Bedrock) SetModel(name string) {
	b.mu.Lock()
	b.model = name
	b.mu.Unlock()
}

// Region returns the signing region.
func (b *Bedrock) Region() string { return b.region }

type invokeRequest struct {
	AnthropicVersion string                   `json:"anthropic_version"`
	MaxTokens        int                      `json:"max_tokens"`
	Temperature      float64                  `json:"temperature"`
	TopP             float64                  `json:"top_p"`
	TopK             int                      `json:"top_k"`
	System           string                   `json:"system,omitempty"`
	Messages         []message.BedrockMessage `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type invokeResponse struct {
	Content []contentBlock `json:"content"`
}

func (b *Bedrock) buildRequest(msgs []message.Message, params *config.ModelParameters) invokeRequest {
	defaults := b.cfg.DefaultModelSettings()
	p := defaults
	if params != nil {
		p = *params
		if p.MaxTokens <= 0 {
			p.MaxTokens = defaults.MaxTokens
		}
	}

	system, turns := message.SplitSystem(msgs)
	return invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		TopK:             p.TopK,
		System:           system,
		Messages:         message.FormatForBedrock(turns),
	}
}

// GenerateResponse calls the invoke endpoint and returns the first content
// block's text.
func (b *Bedrock) GenerateResponse(ctx context.Context, msgs []message.Message, params *config.ModelParameters) (string, error) {
	if !b.IsConfigured() {
		b.logger.Error("Bedrock is not configured. Check AWS credentials.")
		return "", ErrNotConfigured
	}

	body := b.buildRequest(msgs, params)
	resp, err := b.invoke(ctx, actionInvoke, body)
	if err != nil {
		b.logFailure(err, body, len(msgs))
		return "", err
	}
	defer resp.Body.Close()

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode bedrock response: %w", err)
	}
	if len(out.Content) == 0 {
		return "", nil
	}
	return out.Content[0].Text, nil
}

// GenerateStream calls invoke-with-response-stream.
func (b *Bedrock) GenerateStream(ctx context.Context, msgs []message.Message, params *config.ModelParameters) (Stream, error) {
	if !b.IsConfigured() {
		b.logger.Error("Bedrock is not configured. Check AWS credentials.")
		return nil, ErrNotConfigured
	}

	b.logger.Debug("Starting model request processing")
	body := b.buildRequest(msgs, params)
	b.logger.Debug("Formatted messages for Bedrock", zap.Int("count", len(body.Messages)))
	b.logger.Debug("Request prepared",
		zap.Int("max_tokens", body.MaxTokens),
		zap.Float64("temperature", body.Temperature),
	)

	resp, err := b.invoke(ctx, actionStream, body)
	if err != nil {
		b.logFailure(err, body, len(msgs))
		return nil, err
	}
	b.logger.Debug("Beginning stream processing")
	return newEventStream(resp.Body, b.logger), nil
}

func (b *Bedrock) invoke(ctx context.Context, action string, body invokeRequest) (*http.Response, error) {
	modelID := b.cfg.ModelID(b.ModelName())
	b.logger.Debug("Using model", zap.String("model", b.ModelName()), zap.String("model_id", modelID))
	if b.cfg.IsDevelopment() {
		if pretty, err := json.MarshalIndent(body.Messages, "", "  "); err == nil {
			b.logger.Debug("Message content: " + string(pretty))
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal bedrock request: %w", err)
	}

	url := fmt.Sprintf("%s/model/%s/%s", b.endpoint, modelID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create bedrock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if action == actionStream {
		req.Header.Set("Accept", "application/vnd.amazon.eventstream")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	if err := b.sign(ctx, req, payload); err != nil {
		return nil, err
	}

	b.logger.Info("Invoking Bedrock model", zap.String("model_id", modelID), zap.String("action", action))
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call bedrock: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, newHTTPError(resp)
	}
	return resp, nil
}

func (b *Bedrock) sign(ctx context.Context, req *http.Request, payload []byte) error {
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := b.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve aws credentials: %w", err)
	}
	if err := b.signer.SignHTTP(ctx, creds, req, payloadHash, signingService, b.region, b.now()); err != nil {
		return fmt.Errorf("sign bedrock request: %w", err)
	}
	return nil
}

func (b *Bedrock) logFailure(err error, body invokeRequest, messageCount int) {
	fields := []zap.Field{
		zap.String("model", b.ModelName()),
		zap.String("error_type", fmt.Sprintf("%T", err)),
		zap.Int("message_count", messageCount),
		zap.Error(err),
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		fields[1] = zap.String("error_type", apiErr.Type)
		switch {
		case apiErr.IsValidation():
			b.logger.Error("Bedrock validation error", fields...)
			if len(body.Messages) > 0 {
				b.logger.Debug("First message role", zap.String("role", string(body.Messages[0].Role)))
			}
			return
		case apiErr.IsAuth():
			b.logger.Error("Bedrock authentication error", fields...)
			return
		}
	}
	b.logger.Error("Unexpected error in Bedrock request", fields...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
