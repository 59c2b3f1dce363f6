package models

// DatabaseConfig holds the Postgres connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RabbitMQConfig holds the broker connection parameters used by the
// domain-event outbox and the push-notification worker.
type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds the listen addresses for the two external surfaces
// (§6): the realtime event channel and the REST surface share one
// process but may be bound to different ports.
type ServerConfig struct {
	HTTPPort string `yaml:"http_port"`
	WSPort   string `yaml:"ws_port"`
}

// AuthConfig holds the signing secret for session tokens (§6 Environment
// inputs).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PricingConfig seeds the Pricing Cache (§4.1) defaults; admin writes
// override these at runtime.
type PricingConfig struct {
	DefaultPerKm map[string]int `yaml:"default_per_km"`
}

// WorkingHoursConfig seeds the Working-Hours Service (§4.6) tunables.
type WorkingHoursConfig struct {
	DeductionAmount int   `yaml:"deduction_amount"`
	ShiftStartFee   int   `yaml:"shift_start_fee"`
	WarningSeconds  []int `yaml:"warning_seconds"`
	ExpiryExtendHrs int   `yaml:"expiry_extend_hours"`
}

// DispatchConfig seeds the Dispatch Engine dedup window (§4.4).
type DispatchConfig struct {
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

// SweepConfig seeds the Presence Registry sweeper cadences (§4.7).
type SweepConfig struct {
	BroadcastIntervalSeconds int `yaml:"broadcast_interval_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`
	OfflineAfterSeconds      int `yaml:"offline_after_seconds"`
	EvictAfterSeconds        int `yaml:"evict_after_seconds"`
	ActiveRideTTLSeconds     int `yaml:"active_ride_ttl_seconds"`
	UserLocationTTLSeconds   int `yaml:"user_location_ttl_seconds"`
}

// Config is the top-level process configuration, loaded from config.yaml
// with ${VAR:-default} environment overlays applied to the raw file
// before unmarshal.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Pricing      PricingConfig      `yaml:"pricing"`
	WorkingHours WorkingHoursConfig `yaml:"working_hours"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Sweep        SweepConfig        `yaml:"sweep"`
}
