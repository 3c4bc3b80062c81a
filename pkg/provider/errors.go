package provider

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrKind classifies fatal configuration errors.
type ErrKind string

const (
	ErrKindCredentialsNotFound         ErrKind = "credentials_not_found"
	ErrKindCredentialsInvalid          ErrKind = "credentials_invalid"
	ErrKindCredentialsPermissionDenied ErrKind = "credentials_permission_denied"
	ErrKindProjectMisconfigured        ErrKind = "project_misconfigured"
	ErrKindImpersonationFailed         ErrKind = "impersonation_failed"
)

// ConfigError is a fatal provider configuration error. It carries
// remediation text shown directly to the user.
type ConfigError struct {
	Kind        ErrKind
	Operation   string
	Message     string
	Remediation string
	Err         error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s: %s", e.Operation, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Remediation != "" {
		fmt.Fprintf(&b, "\n  fix: %s", e.Remediation)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransientError wraps a provider failure the ledger may retry.
type TransientError struct {
	Class string // rate_limit or infra
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (%s): %v", e.Class, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// SSLError marks a TLS certificate failure. Reported once with guidance and
// never retried.
type SSLError struct {
	Err error
}

func (e *SSLError) Error() string {
	return fmt.Sprintf("TLS certificate verification failed: %v", e.Err)
}

func (e *SSLError) Unwrap() error {
	return e.Err
}

// SSLGuidance is the one-shot remediation text emitted alongside an SSLError.
const SSLGuidance = "TLS verification failed reaching the provider. " +
	"If you are behind a corporate proxy, export SSL_CERT_FILE pointing at " +
	"your CA bundle, or install the proxy's root certificate into the system store."

// ClassifyError maps a raw SDK error to the runtime's taxonomy. Transient
// statuses (429, 500, 503, 504, plus gRPC-style ABORTED text) come back as
// *TransientError; certificate failures as *SSLError; auth statuses as
// *ConfigError; anything else passes through unchanged as permanent.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthErr) {
		return &SSLError{Err: err}
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests:
			return &TransientError{Class: "rate_limit", Err: err}
		case http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return &TransientError{Class: "infra", Err: err}
		case http.StatusUnauthorized:
			return &ConfigError{
				Kind:        ErrKindCredentialsInvalid,
				Operation:   "call",
				Message:     "provider rejected the credentials",
				Remediation: "check the API key or service account is valid and not expired",
				Err:         err,
			}
		case http.StatusForbidden:
			return &ConfigError{
				Kind:        ErrKindCredentialsPermissionDenied,
				Operation:   "call",
				Message:     "credentials lack permission for this model or project",
				Remediation: "grant the caller roles/aiplatform.user on the project, or check the API is enabled",
				Err:         err,
			}
		}
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate"):
		return &SSLError{Err: err}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "quota"):
		return &TransientError{Class: "rate_limit", Err: err}
	case strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "aborted"),
		strings.Contains(msg, "internal error"),
		strings.Contains(msg, "connection reset"):
		return &TransientError{Class: "infra", Err: err}
	}
	return err
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
