package provider

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestAuthConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AuthConfig
		wantKind ErrKind
	}{
		{"api key ok", AuthConfig{Method: AuthAPIKey, APIKey: "k"}, ""},
		{"api key missing", AuthConfig{Method: AuthAPIKey}, ErrKindCredentialsNotFound},
		{"adc ok", AuthConfig{Method: AuthADC, Project: "p"}, ""},
		{"adc missing project", AuthConfig{Method: AuthADC}, ErrKindProjectMisconfigured},
		{"sa file missing path", AuthConfig{Method: AuthServiceAccountFile, Project: "p"}, ErrKindCredentialsNotFound},
		{"impersonation missing target", AuthConfig{Method: AuthImpersonation, Project: "p"}, ErrKindImpersonationFailed},
		{"impersonation sa_file missing path", AuthConfig{Method: AuthImpersonation, TargetServiceAccount: "sa@p.iam", Source: "sa_file", Project: "p"}, ErrKindCredentialsNotFound},
		{"unknown method", AuthConfig{Method: "magic"}, ErrKindProjectMisconfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantKind, cfgErr.Kind)
			assert.NotEmpty(t, cfgErr.Remediation)
		})
	}
}

func TestAuthFromEnv_InfersMethod(t *testing.T) {
	t.Setenv("JAATO_AUTH_METHOD", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "key-2")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")
	t.Setenv("GOOGLE_CLOUD_LOCATION", "")

	cfg := AuthFromEnv()
	assert.Equal(t, AuthAPIKey, cfg.Method)
	assert.Equal(t, "key-2", cfg.APIKey)
	assert.Equal(t, "us-central1", cfg.Location)

	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/tmp/sa.json")
	cfg = AuthFromEnv()
	assert.Equal(t, AuthServiceAccountFile, cfg.Method)

	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	cfg = AuthFromEnv()
	assert.Equal(t, AuthADC, cfg.Method)

	t.Setenv("JAATO_AUTH_METHOD", "impersonation")
	cfg = AuthFromEnv()
	assert.Equal(t, AuthImpersonation, cfg.Method)
}

func TestClassifyError(t *testing.T) {
	rateLimited := genai.APIError{Code: http.StatusTooManyRequests, Message: "slow down"}
	classified := ClassifyError(rateLimited)
	var transient *TransientError
	require.ErrorAs(t, classified, &transient)
	assert.Equal(t, "rate_limit", transient.Class)
	assert.True(t, IsTransient(classified))

	unavailable := genai.APIError{Code: http.StatusServiceUnavailable}
	classified = ClassifyError(unavailable)
	require.ErrorAs(t, classified, &transient)
	assert.Equal(t, "infra", transient.Class)

	unauthorized := genai.APIError{Code: http.StatusUnauthorized}
	var cfgErr *ConfigError
	require.ErrorAs(t, ClassifyError(unauthorized), &cfgErr)
	assert.Equal(t, ErrKindCredentialsInvalid, cfgErr.Kind)

	forbidden := genai.APIError{Code: http.StatusForbidden}
	require.ErrorAs(t, ClassifyError(forbidden), &cfgErr)
	assert.Equal(t, ErrKindCredentialsPermissionDenied, cfgErr.Kind)

	permanent := genai.APIError{Code: http.StatusBadRequest}
	assert.False(t, IsTransient(ClassifyError(permanent)))

	var sslErr *SSLError
	require.ErrorAs(t, ClassifyError(errors.New("x509: certificate signed by unknown authority")), &sslErr)
	assert.False(t, IsTransient(ClassifyError(errors.New("x509: certificate signed by unknown authority"))))

	textual := errors.New("rpc error: code = Unavailable desc = upstream unavailable")
	assert.True(t, IsTransient(ClassifyError(textual)))

	assert.NoError(t, ClassifyError(nil))
}

func TestContextLimitFor(t *testing.T) {
	assert.Equal(t, 2_097_152, ContextLimitFor("gemini-1.5-pro"))
	// prefix fallback picks the longest matching prefix
	assert.Equal(t, 1_048_576, ContextLimitFor("gemini-2.0-flash-001"))
	assert.Equal(t, 1_048_576, ContextLimitFor("gemini-2.0-flash-lite-preview"))
	assert.Equal(t, DefaultContextLimit, ContextLimitFor("totally-new-model"))
}

func TestProviderFactoryRegistry(t *testing.T) {
	require.NoError(t, RegisterFactory("fake", func() Provider { return nil }))
	t.Cleanup(func() { _ = factories.Remove("fake") })

	_, err := NewProvider("fake")
	assert.NoError(t, err)

	_, err = NewProvider("nope")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Remediation, "fake")
}
