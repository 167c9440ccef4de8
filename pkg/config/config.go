/*
Package config holds the scheduling core's tunable knobs, their defaults,
and YAML-file loading in the teacher's style (unmarshal into a plain struct
via gopkg.in/yaml.v3; cmd/schedulerd layers cobra flag overrides on top).
*/
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable knob, defaulted to match the source system's
// documented defaults.
type Config struct {
	MaxTasksPerJob         int           `yaml:"maxTasksPerJob"`
	RequireContactEmail    bool          `yaml:"requireContactEmail"`
	SlowQueryLogThreshold  time.Duration `yaml:"slowQueryLogThreshold"`
	PreemptionCandidacyDelay time.Duration `yaml:"preemptionCandidacyDelay"`
	CronStartInitialBackoff time.Duration `yaml:"cronStartInitialBackoff"`
	CronStartMaxBackoff    time.Duration `yaml:"cronStartMaxBackoff"`
	ExecutorCPUReservation float64       `yaml:"executorCpuReservation"`
	ExecutorRAMMBReservation int64       `yaml:"executorRamMbReservation"`

	DataDir  string `yaml:"dataDir"`
	HTTPAddr string `yaml:"httpAddr"`
}

// Default returns a Config populated with the scheduling core's documented
// defaults.
func Default() Config {
	return Config{
		MaxTasksPerJob:           1000,
		RequireContactEmail:      true,
		SlowQueryLogThreshold:    25 * time.Millisecond,
		PreemptionCandidacyDelay: 10 * time.Minute,
		CronStartInitialBackoff:  time.Second,
		CronStartMaxBackoff:      time.Minute,
		ExecutorCPUReservation:   0.25,
		ExecutorRAMMBReservation: 128,
		DataDir:                  "./data",
		HTTPAddr:                 ":9090",
	}
}

// Load reads a YAML file at path into a Config seeded with Default values,
// so an omitted field keeps its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
