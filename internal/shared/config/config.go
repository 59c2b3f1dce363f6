package config

import (
	"os"

	"ridehail/internal/shared/models"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML config file and resolves ${VAR:-default}
// references against the process environment. Resolution happens on the
// raw bytes before unmarshalling so any scalar field, not just strings,
// can be templated.
func LoadConfig(filename string) (*models.Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	resolved, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults mirrors the fallback values named throughout spec §4 so a
// minimal config.yaml still boots a usable process.
func defaults() *models.Config {
	return &models.Config{
		Server: models.ServerConfig{HTTPPort: "8080", WSPort: "8081"},
		Pricing: models.PricingConfig{
			DefaultPerKm: map[string]int{"bike": 15, "taxi": 40, "port": 75},
		},
		WorkingHours: models.WorkingHoursConfig{
			DeductionAmount: 100,
			ShiftStartFee:   100,
			WarningSeconds:  []int{3600, 1800, 600},
			ExpiryExtendHrs: 12,
		},
		Dispatch: models.DispatchConfig{DedupWindowSeconds: 5},
		Sweep: models.SweepConfig{
			BroadcastIntervalSeconds: 3,
			SweepIntervalSeconds:     60,
			OfflineAfterSeconds:      60,
			EvictAfterSeconds:        300,
			ActiveRideTTLSeconds:     3 * 3600,
			UserLocationTTLSeconds:   30 * 60,
		},
	}
}
