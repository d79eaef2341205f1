package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every derived environment variable name.
const EnvPrefix = "TASKQ"

var defaults = map[string]any{
	"server.port":             9090,
	"server.log_level":        "info",
	"server.shutdown_timeout": 10 * time.Second,

	"database.backend":        "memory",
	"database.url":            "",
	"database.auto_migrate":   true,
	"database.max_open_conns": 10,

	"worker.batch_size":                10,
	"worker.poll_interval":             time.Second,
	"worker.max_backoff":               60 * time.Second,
	"worker.worker_count":              1,
	"worker.task_timeout":              5 * time.Minute,
	"worker.stuck_task_age":            30 * time.Minute,
	"worker.stuck_task_check_interval": 5 * time.Minute,
	"worker.retry_base_delay":          time.Duration(0),
	"worker.retry_max_delay":           10 * time.Minute,
	"worker.retention":                 7 * 24 * time.Hour,
	"worker.retention_schedule":        "@daily",

	"scheduler.enabled":   true,
	"scheduler.redis_url": "",
	"scheduler.lock_ttl":  time.Minute,

	"auth.admin_jwt_secret": "",
}

// Unprefixed names kept for deployments configured before the TASKQ_ prefix existed.
var legacyEnv = map[string]string{
	"server.port":          "METRICS_PORT",
	"worker.batch_size":    "WORKER_BATCH_SIZE",
	"worker.poll_interval": "WORKER_POLL_INTERVAL",
	"database.url":         "DATABASE_URL",
	"scheduler.redis_url":  "REDIS_URL",
}

// Load reads taskq.yaml from the working directory or /etc/taskq when present,
// then applies environment overrides. Environment variables take precedence.
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("taskq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskq")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFile is Load with an explicit config file. An empty path behaves like
// an environment-only load.
func LoadFile(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("error binding environment variable %s: %w", legacy, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	validate.RegisterStructValidation(validateWorkerTimeouts, WorkerConfig{})
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// validateWorkerTimeouts requires every task to hit its deadline before the
// stuck-task monitor may reset it while the monitor is enabled.
func validateWorkerTimeouts(sl validator.StructLevel) {
	w := sl.Current().Interface().(WorkerConfig)
	if w.StuckTaskAge <= 0 {
		return
	}
	if w.TaskTimeout <= 0 || w.TaskTimeout >= w.StuckTaskAge {
		sl.ReportError(w.TaskTimeout, "TaskTimeout", "task_timeout", "ltfield", "StuckTaskAge")
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsToDurationHook reads bare integers as whole seconds so that
// WORKER_POLL_INTERVAL=5 and poll_interval: 5 both mean five seconds.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return data, nil
			}
			return time.Duration(n) * time.Second, nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		default:
			return data, nil
		}
	}
}
