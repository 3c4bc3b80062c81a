package provider

import (
	"fmt"
	"os"
)

// AuthMethod discriminates AuthConfig variants.
type AuthMethod string

const (
	AuthAPIKey             AuthMethod = "api_key"
	AuthServiceAccountFile AuthMethod = "service_account_file"
	AuthADC                AuthMethod = "adc"
	AuthImpersonation      AuthMethod = "impersonation"
)

// AuthConfig is a discriminated record selecting how the provider
// authenticates. Only the fields for the chosen Method are read.
type AuthConfig struct {
	Method AuthMethod `yaml:"method" json:"method" mapstructure:"method"`

	// api_key
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" mapstructure:"api_key"`

	// service_account_file
	CredentialsPath string `yaml:"credentials_path,omitempty" json:"credentials_path,omitempty" mapstructure:"credentials_path"`

	// impersonation
	TargetServiceAccount string `yaml:"target_service_account,omitempty" json:"target_service_account,omitempty" mapstructure:"target_service_account"`
	// Source selects where impersonation source credentials come from,
	// "adc" (default) or "sa_file" with CredentialsPath.
	Source string `yaml:"source,omitempty" json:"source,omitempty" mapstructure:"source"`

	// Vertex placement, used by all methods except api_key.
	Project  string `yaml:"project,omitempty" json:"project,omitempty" mapstructure:"project"`
	Location string `yaml:"location,omitempty" json:"location,omitempty" mapstructure:"location"`
}

// Validate checks variant-specific required fields.
func (a AuthConfig) Validate() error {
	switch a.Method {
	case AuthAPIKey:
		if a.APIKey == "" {
			return &ConfigError{
				Kind:        ErrKindCredentialsNotFound,
				Operation:   "validate_auth",
				Message:     "api_key method selected but no key provided",
				Remediation: "set GOOGLE_API_KEY or GEMINI_API_KEY, or put api_key in the provider config",
			}
		}
	case AuthServiceAccountFile:
		if a.CredentialsPath == "" {
			return &ConfigError{
				Kind:        ErrKindCredentialsNotFound,
				Operation:   "validate_auth",
				Message:     "service_account_file method selected but no path provided",
				Remediation: "set GOOGLE_APPLICATION_CREDENTIALS or credentials_path in the provider config",
			}
		}
		if _, err := os.Stat(a.CredentialsPath); err != nil {
			return &ConfigError{
				Kind:        ErrKindCredentialsNotFound,
				Operation:   "validate_auth",
				Message:     fmt.Sprintf("service account file not readable: %s", a.CredentialsPath),
				Remediation: "check the path exists and is readable by this process",
				Err:         err,
			}
		}
		fallthrough
	case AuthADC:
		if a.Project == "" {
			return &ConfigError{
				Kind:        ErrKindProjectMisconfigured,
				Operation:   "validate_auth",
				Message:     "no project configured for Vertex auth",
				Remediation: "set GOOGLE_CLOUD_PROJECT or project in the provider config",
			}
		}
	case AuthImpersonation:
		if a.TargetServiceAccount == "" {
			return &ConfigError{
				Kind:        ErrKindImpersonationFailed,
				Operation:   "validate_auth",
				Message:     "impersonation method selected but no target service account provided",
				Remediation: "set target_service_account to the service account email to impersonate",
			}
		}
		if a.Source == "sa_file" && a.CredentialsPath == "" {
			return &ConfigError{
				Kind:        ErrKindCredentialsNotFound,
				Operation:   "validate_auth",
				Message:     "impersonation source is sa_file but no credentials_path provided",
				Remediation: "set credentials_path, or use source: adc",
			}
		}
		if a.Project == "" {
			return &ConfigError{
				Kind:        ErrKindProjectMisconfigured,
				Operation:   "validate_auth",
				Message:     "no project configured for impersonation",
				Remediation: "set GOOGLE_CLOUD_PROJECT or project in the provider config",
			}
		}
	default:
		return &ConfigError{
			Kind:        ErrKindProjectMisconfigured,
			Operation:   "validate_auth",
			Message:     fmt.Sprintf("unknown auth method: %q", a.Method),
			Remediation: "use one of: api_key, service_account_file, adc, impersonation",
		}
	}
	return nil
}

// AuthFromEnv builds an AuthConfig from the process environment. Method is
// taken from JAATO_AUTH_METHOD when set; otherwise it is inferred: an API
// key wins, then an explicit credentials file, then ADC.
func AuthFromEnv() AuthConfig {
	cfg := AuthConfig{
		APIKey:          firstNonEmpty(os.Getenv("GOOGLE_API_KEY"), os.Getenv("GEMINI_API_KEY")),
		CredentialsPath: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		Project:         os.Getenv("GOOGLE_CLOUD_PROJECT"),
		Location:        firstNonEmpty(os.Getenv("GOOGLE_CLOUD_LOCATION"), "us-central1"),
	}

	switch m := os.Getenv("JAATO_AUTH_METHOD"); m {
	case "":
		switch {
		case cfg.APIKey != "":
			cfg.Method = AuthAPIKey
		case cfg.CredentialsPath != "":
			cfg.Method = AuthServiceAccountFile
		default:
			cfg.Method = AuthADC
		}
	default:
		cfg.Method = AuthMethod(m)
	}
	return cfg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
