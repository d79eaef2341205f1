package config

import "time"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig covers the HTTP listener that serves /metrics, /health and the admin API.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DatabaseConfig selects the task storage backend.
type DatabaseConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory postgres"`
	URL     string `mapstructure:"url" validate:"required_if=Backend postgres"`
	// AutoMigrate applies pending goose migrations at startup.
	AutoMigrate  bool `mapstructure:"auto_migrate"`
	MaxOpenConns int  `mapstructure:"max_open_conns" validate:"gte=0"`
}

// WorkerConfig tunes the polling loop, the runner and retry behaviour.
type WorkerConfig struct {
	BatchSize              int           `mapstructure:"batch_size" validate:"gt=0,lte=1000"`
	PollInterval           time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	WorkerCount            int           `mapstructure:"worker_count" validate:"gte=1,lte=64"`
	// TaskTimeout must be positive and below StuckTaskAge unless the
	// stuck-task monitor is disabled with StuckTaskAge 0.
	TaskTimeout            time.Duration `mapstructure:"task_timeout" validate:"gte=0"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"gte=0"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"gte=0"`
	RetryBaseDelay         time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay          time.Duration `mapstructure:"retry_max_delay" validate:"gte=0"`
	Retention              time.Duration `mapstructure:"retention" validate:"gte=0"`
	RetentionSchedule      string        `mapstructure:"retention_schedule"`
}

// SchedulerConfig controls cron-driven production. RedisURL is only needed
// when several worker replicas share one store.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url" validate:"omitempty,url"`
	LockTTL  time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// AuthConfig guards the admin API. An empty secret leaves /api open.
type AuthConfig struct {
	AdminJWTSecret string `mapstructure:"admin_jwt_secret" validate:"omitempty,min=32"`
}
