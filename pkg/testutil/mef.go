package testutil

import (
	"time"

	"github.com/RossTaxPrep/efile_layer/internal/config"
)

// Test identities registered with the simulator profile.
const (
	TestEFIN     = "123456"
	TestETIN     = "54322"
	TestETINProd = "54321"
)

// SimulatedMeF returns settings pointing both environments at baseURL with an
// approved profile, transmissions enabled and millisecond backoff.
func SimulatedMeF(baseURL string) config.MeFConfig {
	cfg := config.DefaultMeF()
	cfg.TransmissionsEnabled = true
	cfg.Endpoints = config.Endpoints{ATS: baseURL, Production: baseURL}
	cfg.SoftwareID = "RTP00001"
	cfg.ActiveProfile = "primary"
	cfg.Profiles = map[string]config.Profile{
		"primary": {
			Name:                      "primary",
			EFIN:                      TestEFIN,
			ETINTest:                  TestETIN,
			ETINProduction:            TestETINProd,
			FirmName:                  "Ross Tax Prep",
			Role:                      config.RoleSoftwareDeveloper,
			SoftwareDeveloperApproved: true,
		},
	}
	cfg.Retry = config.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
	cfg.RateLimit = config.RateLimitConfig{}
	return cfg
}
