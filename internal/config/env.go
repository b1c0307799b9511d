package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override (INVTASKS_LOG_LEVEL, ...).
const EnvPrefix = "INVTASKS"

// Env holds the settings that may come from the environment. Secrets
// belong here rather than in the config file.
type Env struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StoragePath   string `envconfig:"STORAGE_PATH"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	Timezone      string `envconfig:"TIMEZONE"`
	WorkerMode    string `envconfig:"WORKER_MODE"`
	SMTPHost      string `envconfig:"SMTP_HOST"`
	SMTPUser      string `envconfig:"SMTP_USER"`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	MailFrom      string `envconfig:"MAIL_FROM"`
	OpsAddr       string `envconfig:"OPS_ADDR"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored and variables already set are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ReadEnv reads the INVTASKS_* variables.
func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return Env{}, err
	}
	return e, nil
}

// Apply overlays every non-empty variable onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, strings.ToLower(e.LogLevel))
	set(&cfg.Storage.Driver, strings.ToLower(e.StorageDriver))
	set(&cfg.Storage.Path, e.StoragePath)
	set(&cfg.Storage.DSN, e.DatabaseURL)
	set(&cfg.Scheduler.Timezone, e.Timezone)
	set(&cfg.Worker.Mode, e.WorkerMode)
	set(&cfg.Jobs.Mail.Host, e.SMTPHost)
	set(&cfg.Jobs.Mail.Username, e.SMTPUser)
	set(&cfg.Jobs.Mail.Password, e.SMTPPassword)
	set(&cfg.Jobs.Mail.From, e.MailFrom)
	set(&cfg.Ops.Addr, e.OpsAddr)
	set(&cfg.Ops.Token, e.OpsToken)
}
