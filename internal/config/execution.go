package config

import "time"

// CycleConfig configures the OODA driver and the shard dispatcher.
type CycleConfig struct {
	Interval          string `yaml:"interval" validate:"duration"`
	HeartbeatInterval string `yaml:"heartbeat_interval" validate:"duration"`
	HeartbeatTimeout  string `yaml:"heartbeat_timeout" validate:"duration"`
	WorldStaleness    string `yaml:"world_staleness" validate:"duration"`
	MaxParallelShards int    `yaml:"max_parallel_shards" validate:"gte=1"`
	// SpawnRate is shard spawns per second; SpawnBurst is the limiter bucket.
	SpawnRate  float64 `yaml:"spawn_rate" validate:"gt=0"`
	SpawnBurst int     `yaml:"spawn_burst" validate:"gte=1"`
}

// DefaultCycleConfig returns the default cycle settings.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		Interval:          "500ms",
		HeartbeatInterval: "2s",
		HeartbeatTimeout:  "30s",
		WorldStaleness:    "10m",
		MaxParallelShards: 4,
		SpawnRate:         2,
		SpawnBurst:        4,
	}
}

// GetCycleInterval returns the cycle tick interval.
func (c *Config) GetCycleInterval() time.Duration {
	return parseDuration(c.Cycle.Interval, 500*time.Millisecond)
}

// GetHeartbeatInterval returns how often running shards report liveness.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return parseDuration(c.Cycle.HeartbeatInterval, 2*time.Second)
}

// GetHeartbeatTimeout returns the silence after which a shard is stale.
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return parseDuration(c.Cycle.HeartbeatTimeout, 30*time.Second)
}

// GetWorldStaleness returns the age after which the world model is stale.
func (c *Config) GetWorldStaleness() time.Duration {
	return parseDuration(c.Cycle.WorldStaleness, 10*time.Minute)
}
