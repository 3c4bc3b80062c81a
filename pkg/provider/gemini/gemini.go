// Package gemini implements the provider contract on top of the official
// google.golang.org/genai SDK, covering both the Gemini API (api_key) and
// Vertex AI (service account, ADC, impersonation) backends.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/auth/credentials/impersonate"
	"google.golang.org/genai"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
)

// Name is the registered provider name.
const Name = "gemini"

// DefaultModel is used when no model was configured.
const DefaultModel = "gemini-2.5-flash"

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

func init() {
	if err := provider.RegisterFactory(Name, func() provider.Provider { return &Provider{} }); err != nil {
		panic(err)
	}
}

// Provider is a configured Gemini connection.
type Provider struct {
	client *genai.Client
	model  string
	auth   provider.AuthConfig
	logger *slog.Logger
}

var _ provider.Provider = (*Provider)(nil)

// Initialize authenticates and probes connectivity with a model list call.
func (p *Provider) Initialize(ctx context.Context, authCfg provider.AuthConfig) error {
	if err := authCfg.Validate(); err != nil {
		return err
	}

	clientCfg, err := buildClientConfig(ctx, authCfg)
	if err != nil {
		return err
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return &provider.ConfigError{
			Kind:        provider.ErrKindCredentialsInvalid,
			Operation:   "initialize",
			Message:     "failed to create client",
			Remediation: "check the configured auth method and credentials",
			Err:         err,
		}
	}
	p.client = client
	p.auth = authCfg
	p.logger = slog.Default().With("component", "provider", "provider", Name)
	if p.model == "" {
		p.model = DefaultModel
	}

	if _, err := p.ListModels(ctx, ""); err != nil {
		return probeError(authCfg, err)
	}

	p.logger.Debug("provider initialized", "method", string(authCfg.Method), "model", p.model)
	return nil
}

// buildClientConfig maps the auth variants onto the SDK's client config.
func buildClientConfig(ctx context.Context, a provider.AuthConfig) (*genai.ClientConfig, error) {
	switch a.Method {
	case provider.AuthAPIKey:
		return &genai.ClientConfig{
			APIKey:  a.APIKey,
			Backend: genai.BackendGeminiAPI,
		}, nil

	case provider.AuthADC:
		return &genai.ClientConfig{
			Backend:  genai.BackendVertexAI,
			Project:  a.Project,
			Location: a.Location,
		}, nil

	case provider.AuthServiceAccountFile:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			CredentialsFile: a.CredentialsPath,
			Scopes:          []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, &provider.ConfigError{
				Kind:        provider.ErrKindCredentialsInvalid,
				Operation:   "initialize",
				Message:     fmt.Sprintf("service account file rejected: %s", a.CredentialsPath),
				Remediation: "check the file is a valid service account JSON key",
				Err:         err,
			}
		}
		return &genai.ClientConfig{
			Backend:     genai.BackendVertexAI,
			Project:     a.Project,
			Location:    a.Location,
			Credentials: creds,
		}, nil

	case provider.AuthImpersonation:
		var source *auth.Credentials
		if a.Source == "sa_file" {
			var err error
			source, err = credentials.DetectDefault(&credentials.DetectOptions{
				CredentialsFile: a.CredentialsPath,
				Scopes:          []string{cloudPlatformScope},
			})
			if err != nil {
				return nil, &provider.ConfigError{
					Kind:        provider.ErrKindCredentialsInvalid,
					Operation:   "initialize",
					Message:     "impersonation source credentials rejected",
					Remediation: "check credentials_path points at a valid service account key",
					Err:         err,
				}
			}
		}
		creds, err := impersonate.NewCredentials(&impersonate.CredentialsOptions{
			TargetPrincipal: a.TargetServiceAccount,
			Scopes:          []string{cloudPlatformScope},
			Credentials:     source,
		})
		if err != nil {
			return nil, &provider.ConfigError{
				Kind:      provider.ErrKindImpersonationFailed,
				Operation: "initialize",
				Message:   fmt.Sprintf("cannot impersonate %s", a.TargetServiceAccount),
				Remediation: "grant the source identity roles/iam.serviceAccountTokenCreator " +
					"on the target service account",
				Err: err,
			}
		}
		return &genai.ClientConfig{
			Backend:     genai.BackendVertexAI,
			Project:     a.Project,
			Location:    a.Location,
			Credentials: creds,
		}, nil
	}

	return nil, &provider.ConfigError{
		Kind:        provider.ErrKindProjectMisconfigured,
		Operation:   "initialize",
		Message:     fmt.Sprintf("unknown auth method: %q", a.Method),
		Remediation: "use one of: api_key, service_account_file, adc, impersonation",
	}
}

// probeError rewrites a failed connectivity probe into a config error with
// remediation matched to the auth method in use.
func probeError(a provider.AuthConfig, err error) error {
	classified := provider.ClassifyError(err)
	if cfgErr, ok := classified.(*provider.ConfigError); ok {
		cfgErr.Operation = "probe"
		return cfgErr
	}

	remediation := "check network connectivity to the provider"
	kind := provider.ErrKindCredentialsInvalid
	switch a.Method {
	case provider.AuthAPIKey:
		remediation = "check the API key is valid (https://aistudio.google.com/apikey)"
	case provider.AuthADC:
		kind = provider.ErrKindCredentialsNotFound
		remediation = "run `gcloud auth application-default login`, or set GOOGLE_APPLICATION_CREDENTIALS"
	case provider.AuthServiceAccountFile:
		remediation = "check the service account has Vertex AI access in project " + a.Project
	case provider.AuthImpersonation:
		kind = provider.ErrKindImpersonationFailed
		remediation = "check the impersonation chain and that Vertex AI is enabled in project " + a.Project
	}
	return &provider.ConfigError{
		Kind:        kind,
		Operation:   "probe",
		Message:     "connectivity probe failed",
		Remediation: remediation,
		Err:         err,
	}
}

// Connect sets the active model. Idempotent.
func (p *Provider) Connect(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	p.model = model
	return nil
}

// Model returns the active model id.
func (p *Provider) Model() string {
	return p.model
}

// CreateSession opens a fresh chat context with the given tools and history.
func (p *Provider) CreateSession(ctx context.Context, opts provider.SessionOptions) (provider.ChatSession, error) {
	if p.client == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	config := &genai.GenerateContentConfig{}
	if opts.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: opts.SystemInstruction}},
		}
	}
	config.Tools = toGenaiTools(opts.Tools)

	return &chatSession{
		client:  p.client,
		model:   p.model,
		config:  config,
		history: protocol.CloneHistory(opts.History),
		logger:  p.logger.With("component", "chat_session"),
	}, nil
}

// CountTokens asks the API for an exact token count.
func (p *Provider) CountTokens(ctx context.Context, text string) (int, error) {
	if p.client == nil {
		return 0, fmt.Errorf("provider not initialized")
	}
	resp, err := p.client.Models.CountTokens(ctx, p.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}}}, nil)
	if err != nil {
		return 0, provider.ClassifyError(err)
	}
	return int(resp.TotalTokens), nil
}

// ContextLimit returns the context window for the active model.
func (p *Provider) ContextLimit() int {
	return provider.ContextLimitFor(p.model)
}

// SupportsStructuredOutput reports true; Gemini honors response schemas.
func (p *Provider) SupportsStructuredOutput() bool {
	return true
}

// ListModels lists model ids, optionally filtered by prefix. Ids are
// returned without the "models/" resource prefix.
func (p *Provider) ListModels(ctx context.Context, prefix string) ([]string, error) {
	if p.client == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	var names []string
	for model, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, provider.ClassifyError(err)
		}
		name := strings.TrimPrefix(model.Name, "models/")
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Close releases the client handle.
func (p *Provider) Close() error {
	p.client = nil
	return nil
}
