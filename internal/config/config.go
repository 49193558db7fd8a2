package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/refreshg/Vian/internal/bitrix"
	"github.com/refreshg/Vian/internal/normalize"
	"github.com/refreshg/Vian/internal/phase"
	"github.com/refreshg/Vian/internal/sla"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort         = 8080
	DefaultWebhookEnv       = "BITRIX24_WEBHOOK_URL"
	DefaultCategoryID       = "1"
	DefaultPageSize         = 50
	DefaultHistoryChunkSize = 20
	DefaultRateLimit        = 2.0
	DefaultBurst            = 2
	DefaultCRMTimeout       = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultCacheTTL         = 5 * time.Minute
	DefaultPollWindow       = 30 * 24 * time.Hour
	DefaultAuthHeader       = "X-API-Key"
)

// Config is the top-level configuration. Fields map 1:1 to config.example.yaml.
type Config struct {
	// EnvFile is an optional dotenv file loaded before secrets are resolved.
	EnvFile string `yaml:"env_file"`

	Server ServerConfig `yaml:"server"`
	CRM    CRMConfig    `yaml:"crm"`
	Cache  CacheConfig  `yaml:"cache"`
	SLA    SLAConfig    `yaml:"sla"`
	Poll   PollConfig   `yaml:"poll"`
	Alerts AlertsConfig `yaml:"alerts"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	HTTPPort int        `yaml:"http_port" validate:"min=1,max=65535"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig configures REST API authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode" validate:"omitempty,oneof=apikey none"`

	// Header is the HTTP header carrying the key.
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable holding the expected key.
	KeyEnv string `yaml:"key_env" validate:"required_if=Mode apikey"`
}

// Key returns the API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// CRMConfig configures the Bitrix24 client.
type CRMConfig struct {
	// WebhookURLEnv names the environment variable holding the inbound
	// webhook URL, which embeds the access token.
	WebhookURLEnv string `yaml:"webhook_url_env" validate:"required"`

	// CategoryID is the pipeline used when a request does not name one.
	CategoryID string `yaml:"category_id" validate:"required,numeric"`

	PageSize         int           `yaml:"page_size" validate:"min=1,max=50"`
	HistoryChunkSize int           `yaml:"history_chunk_size" validate:"min=1,max=50"`
	RateLimit        float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst            int           `yaml:"burst" validate:"min=1"`
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=10"`

	TLS    TLSConfig    `yaml:"tls"`
	Fields FieldsConfig `yaml:"fields"`
}

// WebhookURL returns the webhook URL resolved from the environment.
func (c CRMConfig) WebhookURL() string {
	if c.WebhookURLEnv == "" {
		return ""
	}
	return os.Getenv(c.WebhookURLEnv)
}

// ClientConfig converts the section into a bitrix.Config.
func (c CRMConfig) ClientConfig() bitrix.Config {
	return bitrix.Config{
		WebhookURL:         c.WebhookURL(),
		PageSize:           c.PageSize,
		HistoryChunkSize:   c.HistoryChunkSize,
		RateLimit:          c.RateLimit,
		Burst:              c.Burst,
		Timeout:            c.Timeout,
		MaxRetries:         c.MaxRetries,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		CAFile:             c.TLS.CAFile,
	}
}

// TLSConfig holds TLS dial options for the CRM.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file" validate:"omitempty,file"`
}

// FieldsConfig names the custom deal fields.
type FieldsConfig struct {
	Department      string               `yaml:"department"`
	Comment         string               `yaml:"comment"`
	Country         string               `yaml:"country"`
	RejectionReason RejectionFieldConfig `yaml:"rejection_reason"`
}

// RejectionFieldConfig selects the rejection-reason field per pipeline.
type RejectionFieldConfig struct {
	Default    string            `yaml:"default"`
	ByCategory map[string]string `yaml:"by_category"`
}

// FieldMap converts the section into a normalize.FieldMap.
func (f FieldsConfig) FieldMap() normalize.FieldMap {
	return normalize.FieldMap{
		Department:          f.Department,
		Comment:             f.Comment,
		Country:             f.Country,
		RejectionReason:     f.RejectionReason.Default,
		RejectionByCategory: f.RejectionReason.ByCategory,
	}
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	// TTL is how long a fetched snapshot is served; 0 disables caching.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`
}

// SLAConfig configures the SLA calculator.
type SLAConfig struct {
	Phases          PhasesConfig          `yaml:"phases"`
	InitialResponse InitialResponseConfig `yaml:"initial_response"`
}

// PhasesConfig defines the three measured phases.
type PhasesConfig struct {
	Initial  PhaseConfig `yaml:"initial"`
	FollowUp PhaseConfig `yaml:"follow_up"`
	Offer    PhaseConfig `yaml:"offer"`
}

// PhaseConfig identifies a phase and its threshold.
type PhaseConfig struct {
	// Fragment is matched against stage names when StageIDs is empty.
	Fragment string `yaml:"fragment"`

	// Threshold is the on-time limit (inclusive).
	Threshold time.Duration `yaml:"threshold" validate:"gt=0"`

	// StageIDs lists explicit member stages per pipeline ID.
	StageIDs map[string][]string `yaml:"stage_ids"`

	// IncludeNewStages admits NEW and *:NEW stage IDs.
	IncludeNewStages bool `yaml:"include_new_stages"`
}

func (p PhaseConfig) definition() phase.Definition {
	return phase.Definition{
		Fragment:         p.Fragment,
		StageIDs:         p.StageIDs,
		IncludeNewStages: p.IncludeNewStages,
	}
}

// InitialResponseConfig tunes the first-communication metric.
type InitialResponseConfig struct {
	// NeverMoved is one of: exclude | elapsed.
	NeverMoved string `yaml:"never_moved" validate:"oneof=exclude elapsed"`
}

// Calculator converts the section into an sla.Config.
func (s SLAConfig) Calculator() sla.Config {
	return sla.Config{
		Initial:           s.Phases.Initial.definition(),
		InitialThreshold:  s.Phases.Initial.Threshold,
		NeverMoved:        sla.NeverMovedPolicy(s.InitialResponse.NeverMoved),
		FollowUp:          s.Phases.FollowUp.definition(),
		FollowUpThreshold: s.Phases.FollowUp.Threshold,
		Offer:             s.Phases.Offer.definition(),
		OfferThreshold:    s.Phases.Offer.Threshold,
	}
}

// PollConfig configures the background refresh loop.
type PollConfig struct {
	// Interval between polls; 0 disables polling.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// Window is how far back each poll looks.
	Window time.Duration `yaml:"window" validate:"gte=0"`

	// Categories lists the pipelines to poll; empty means crm.category_id.
	Categories []string `yaml:"categories" validate:"dive,numeric"`
}

// AlertsConfig holds all alerting rules and webhook targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules" validate:"dive"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

// AlertRule defines a threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier.
	Name string `yaml:"name" validate:"required"`

	// Condition is an expression like "followUp.rate < 80" or
	// "rejection_rate > 30".
	Condition string `yaml:"condition" validate:"required"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity" validate:"omitempty,oneof=critical warning info"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type" validate:"oneof=teams slack http"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env" validate:"required"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if cfg.EnvFile != "" {
		// Existing variables win over the file.
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load env file: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is also
// the effective config when no file is given.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Auth:     AuthConfig{Mode: "none", Header: DefaultAuthHeader},
		},
		CRM: CRMConfig{
			WebhookURLEnv:    DefaultWebhookEnv,
			CategoryID:       DefaultCategoryID,
			PageSize:         DefaultPageSize,
			HistoryChunkSize: DefaultHistoryChunkSize,
			RateLimit:        DefaultRateLimit,
			Burst:            DefaultBurst,
			Timeout:          DefaultCRMTimeout,
			MaxRetries:       DefaultMaxRetries,
			Fields: FieldsConfig{
				Department: normalize.DefaultFields.Department,
				Comment:    normalize.DefaultFields.Comment,
				Country:    normalize.DefaultFields.Country,
				RejectionReason: RejectionFieldConfig{
					Default:    normalize.DefaultFields.RejectionReason,
					ByCategory: map[string]string{"3": normalize.DefaultFields.RejectionByCategory["3"]},
				},
			},
		},
		Cache: CacheConfig{TTL: DefaultCacheTTL},
		SLA: SLAConfig{
			Phases: PhasesConfig{
				Initial: PhaseConfig{
					Threshold:        sla.DefaultInitialThreshold,
					IncludeNewStages: true,
				},
				FollowUp: PhaseConfig{
					Fragment:  sla.DefaultFollowUpFragment,
					Threshold: sla.DefaultFollowUpThreshold,
				},
				Offer: PhaseConfig{
					Fragment:  sla.DefaultOfferFragment,
					Threshold: sla.DefaultOfferThreshold,
				},
			},
			InitialResponse: InitialResponseConfig{NeverMoved: string(sla.NeverMovedExclude)},
		},
		Poll: PollConfig{Window: DefaultPollWindow},
	}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report yaml paths rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks struct tags, then constraints tags cannot express.
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Param() != "" {
				return fmt.Errorf("%s: failed %q (%s)", field, fe.Tag(), fe.Param())
			}
			return fmt.Errorf("%s: failed %q", field, fe.Tag())
		}
		return err
	}

	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.Header == "" {
		return fmt.Errorf("server.auth.header is required for apikey mode")
	}
	for name, p := range map[string]PhaseConfig{
		"follow_up": cfg.SLA.Phases.FollowUp,
		"offer":     cfg.SLA.Phases.Offer,
	} {
		if strings.TrimSpace(p.Fragment) == "" && len(p.StageIDs) == 0 {
			return fmt.Errorf("sla.phases.%s: fragment or stage_ids is required", name)
		}
	}
	seen := make(map[string]bool, len(cfg.Alerts.Rules))
	for i, r := range cfg.Alerts.Rules {
		if seen[r.Name] {
			return fmt.Errorf("alerts.rules[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
