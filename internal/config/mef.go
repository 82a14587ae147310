package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment selects the MeF endpoint family.
type Environment string

const (
	EnvironmentATS        Environment = "ATS"
	EnvironmentProduction Environment = "PRODUCTION"
)

// ParseEnvironment accepts the spellings used in deployment files.
func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "ATS", "TEST", "SANDBOX":
		return EnvironmentATS, nil
	case "PROD", "PRODUCTION":
		return EnvironmentProduction, nil
	default:
		return "", fmt.Errorf("unknown mef environment %q", raw)
	}
}

// RoleSoftwareDeveloper is the e-Services role required for production A2A access.
const RoleSoftwareDeveloper = "Software Developer"

// Profile is an EFIN application on file with the IRS.
type Profile struct {
	Name                      string `yaml:"name" env:"MEF_PROFILE_NAME"`
	EFIN                      string `yaml:"efin" env:"MEF_EFIN"`
	ETINProduction            string `yaml:"etin_production" env:"MEF_ETIN_PROD"`
	ETINTest                  string `yaml:"etin_test" env:"MEF_ETIN_TEST"`
	FirmName                  string `yaml:"firm_name" env:"MEF_FIRM_NAME"`
	Role                      string `yaml:"role" env:"MEF_ROLE"`
	SoftwareDeveloperApproved bool   `yaml:"software_developer_approved" env:"MEF_SOFTWARE_DEVELOPER_APPROVED"`
}

// ETIN returns the transmitter id registered for env.
func (p Profile) ETIN(env Environment) string {
	if env == EnvironmentProduction {
		return p.ETINProduction
	}
	return p.ETINTest
}

// ProductionApproved reports whether the profile may call production endpoints.
func (p Profile) ProductionApproved() bool {
	return p.SoftwareDeveloperApproved && strings.EqualFold(strings.TrimSpace(p.Role), RoleSoftwareDeveloper)
}

// Endpoints holds the A2A base URLs.
type Endpoints struct {
	ATS        string `yaml:"ats" env:"MEF_ATS_URL"`
	Production string `yaml:"production" env:"MEF_PROD_URL"`
}

// RetryConfig is the backoff policy applied to every MeF operation.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"MEF_RETRY_MAX_ATTEMPTS"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"MEF_RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MEF_RETRY_MAX_DELAY"`
	Multiplier   float64       `yaml:"multiplier" env:"MEF_RETRY_MULTIPLIER"`
	Jitter       float64       `yaml:"jitter" env:"MEF_RETRY_JITTER"`
}

// TimeoutConfig bounds each attempt.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" env:"MEF_CONNECT_TIMEOUT"`
	Read    time.Duration `yaml:"read" env:"MEF_READ_TIMEOUT"`
}

// RateLimitConfig throttles outbound calls. Zero disables the limiter.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" env:"MEF_RATE_PER_SECOND"`
	Burst     int     `yaml:"burst" env:"MEF_RATE_BURST"`
}

// TLSConfig points at PEM files for the strong-authentication certificate.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"MEF_TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"MEF_TLS_KEY_FILE"`
	CAFile   string `yaml:"ca_file" env:"MEF_TLS_CA_FILE"`
}

// MeFConfig is everything the transport client and orchestrator read per call.
type MeFConfig struct {
	Environment          Environment        `yaml:"environment" env:"MEF_ENVIRONMENT"`
	TransmissionsEnabled bool               `yaml:"transmissions_enabled" env:"MEF_TRANSMISSIONS_ENABLED"`
	AllowTestMode        bool               `yaml:"allow_test_mode" env:"MEF_ALLOW_TEST_MODE"`
	ActiveProfile        string             `yaml:"active_profile" env:"MEF_ACTIVE_PROFILE"`
	Profiles             map[string]Profile `yaml:"profiles"`
	Endpoints            Endpoints          `yaml:"endpoints"`
	Transport            string             `yaml:"transport" env:"MEF_TRANSPORT"`
	SoftwareID           string             `yaml:"software_id" env:"MEF_SOFTWARE_ID"`
	Retry                RetryConfig        `yaml:"retry"`
	Timeouts             TimeoutConfig      `yaml:"timeouts"`
	RateLimit            RateLimitConfig    `yaml:"rate_limit"`
	TLS                  TLSConfig          `yaml:"tls"`
	TaxYearWindow        int                `yaml:"tax_year_window" env:"MEF_TAX_YEAR_WINDOW"`

	// EnvProfile collects MEF_EFIN and friends; it becomes the "env" profile
	// when an EFIN is supplied through the environment.
	EnvProfile Profile `yaml:"-"`
}

// DefaultMeF mirrors the production defaults: three attempts starting at one
// second, doubling up to thirty, 30s connect and 120s read timeouts.
func DefaultMeF() MeFConfig {
	return MeFConfig{
		Environment:   EnvironmentATS,
		AllowTestMode: true,
		Profiles:      map[string]Profile{},
		Endpoints: Endpoints{
			ATS:        "https://la.alt.www4.irs.gov/a2a/mef",
			Production: "https://la.www4.irs.gov/a2a/mef",
		},
		Transport: "mime",
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
		Timeouts: TimeoutConfig{
			Connect: 30 * time.Second,
			Read:    120 * time.Second,
		},
		RateLimit:     RateLimitConfig{PerSecond: 5, Burst: 5},
		TaxYearWindow: 5,
	}
}

func (c *MeFConfig) applyEnvProfile() {
	if strings.TrimSpace(c.EnvProfile.EFIN) == "" {
		return
	}
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	p := c.EnvProfile
	if p.Name == "" {
		p.Name = "env"
	}
	c.Profiles["env"] = p
	if c.ActiveProfile == "" {
		c.ActiveProfile = "env"
	}
}

// Profile returns the active EFIN profile.
func (c MeFConfig) Profile() (Profile, bool) {
	if c.ActiveProfile == "" {
		return Profile{}, false
	}
	p, ok := c.Profiles[c.ActiveProfile]
	return p, ok
}

// BaseURL returns the endpoint for the configured environment.
func (c MeFConfig) BaseURL() string {
	if c.Environment == EnvironmentProduction {
		return c.Endpoints.Production
	}
	return c.Endpoints.ATS
}

// Clone returns a copy that shares no mutable state with c.
func (c MeFConfig) Clone() MeFConfig {
	out := c
	out.Profiles = make(map[string]Profile, len(c.Profiles))
	for k, v := range c.Profiles {
		out.Profiles[k] = v
	}
	return out
}

// Validate checks the MeF block.
func (c *MeFConfig) Validate() error {
	env, err := ParseEnvironment(string(c.Environment))
	if err != nil {
		return err
	}
	c.Environment = env

	if strings.TrimSpace(c.Transport) == "" {
		return fmt.Errorf("transport is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier <= 1 {
		return fmt.Errorf("retry.multiplier must be greater than 1")
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry.initial_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must not be below retry.initial_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1)")
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Read <= 0 {
		return fmt.Errorf("timeouts.connect and timeouts.read must be positive")
	}
	if c.ActiveProfile != "" {
		if _, ok := c.Profiles[c.ActiveProfile]; !ok {
			return fmt.Errorf("active_profile %q is not defined", c.ActiveProfile)
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}
	return nil
}
