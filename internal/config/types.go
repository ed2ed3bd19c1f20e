package config

// Config is the root configuration. It is read from JSON or YAML; all
// duration fields are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Jobs    JobsConfig    `json:"jobs"`

	// Accounts lists the fleet sessions available for job execution. The
	// registry built from this list is what binds an account id used in job
	// params to a live executor.
	Accounts []AccountConfig `json:"accounts"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Metrics     *MetricsConfig     `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the job persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/jobs.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JobsConfig carries engine defaults applied when a job's params omit
// delay bounds.
//
// Defaults (when fields are omitted/zero):
//   - min_step_delay: "30s"
//   - max_step_delay: "60s"
type JobsConfig struct {
	MinStepDelay string `json:"min_step_delay,omitempty"`
	MaxStepDelay string `json:"max_step_delay,omitempty"`
}

// AccountConfig describes one bot session of the fleet.
type AccountConfig struct {
	// Name is the account identifier referenced by job params.
	Name  string `json:"name"`
	Token string `json:"token"`
	// RatePerSec bounds outgoing API calls for this session. Defaults to 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// MaintenanceConfig controls the periodic janitor for terminal jobs.
// If the whole section is omitted, maintenance is disabled.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; defaults to hourly.
	Schedule string `json:"schedule,omitempty"`
	// LogRetention is how long terminal jobs keep their logs.
	LogRetention string `json:"log_retention,omitempty"`
	// JobTTL is how long terminal job records are kept at all.
	JobTTL string `json:"job_ttl,omitempty"`
	// MaxTerminalJobs caps retained terminal records (oldest evicted first).
	MaxTerminalJobs int `json:"max_terminal_jobs,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}
