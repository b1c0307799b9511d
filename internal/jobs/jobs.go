// Package jobs holds the bodies of the maintenance and notification tasks and
// registers them under their task identifiers.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"invtasks/internal/lifecycle"
	"invtasks/internal/storage"
	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

// Task modules.
const (
	ModuleTasks = "inventree.tasks"
	ModuleMail  = "notify.mail"
	ModulePart  = "part.tasks"
)

// Task identifiers.
const (
	Heartbeat             = ModuleTasks + ".heartbeat"
	DeleteSuccessfulTasks = ModuleTasks + ".delete_successful_tasks"
	DeleteOldErrorLogs    = ModuleTasks + ".delete_old_error_logs"
	CheckForUpdates       = ModuleTasks + ".check_for_updates"
	DeleteExpiredSessions = ModuleTasks + ".delete_expired_sessions"
	UpdateExchangeRates   = ModuleTasks + ".update_exchange_rates"
	SendMail              = ModuleMail + ".send_mail"
	NotifyLowStockTask    = ModulePart + ".notify_low_stock"
)

// LatestVersionSetting is the settings key written by the update check.
const LatestVersionSetting = "INVENTREE_LATEST_VERSION"

type Config struct {
	Updates   UpdatesConfig
	Exchange  ExchangeConfig
	Mail      MailConfig
	Retention RetentionConfig
}

// RetentionConfig bounds how long bookkeeping records are kept.
type RetentionConfig struct {
	Heartbeats   time.Duration // default 30m
	Results      time.Duration // default 30 days
	ErrorLogs    time.Duration // default 30 days
	SessionGrace time.Duration // default 1 day
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Heartbeats <= 0 {
		c.Heartbeats = 30 * time.Minute
	}
	if c.Results <= 0 {
		c.Results = 30 * 24 * time.Hour
	}
	if c.ErrorLogs <= 0 {
		c.ErrorLogs = 30 * 24 * time.Hour
	}
	if c.SessionGrace <= 0 {
		c.SessionGrace = 24 * time.Hour
	}
	return c
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, identifier string, args registry.Args, opts ...dispatch.Option) error
}

type Deps struct {
	Config     Config
	Store      storage.Store
	Gate       *lifecycle.Gate
	HTTP       *HTTPClient
	Mailer     Mailer
	Dispatcher Dispatcher
	Log        logx.Logger
	Now        func() time.Time
}

// Jobs carries the shared dependencies of every task body.
type Jobs struct {
	mu  sync.RWMutex
	cfg Config

	store  storage.Store
	gate   *lifecycle.Gate
	http   *HTTPClient
	mailer Mailer
	disp   Dispatcher
	log    logx.Logger
	now    func() time.Time
}

func New(deps Deps) *Jobs {
	j := &Jobs{
		cfg:    deps.Config,
		store:  deps.Store,
		gate:   deps.Gate,
		http:   deps.HTTP,
		mailer: deps.Mailer,
		disp:   deps.Dispatcher,
		log:    deps.Log,
		now:    deps.Now,
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}
	if j.now == nil {
		j.now = time.Now
	}
	if j.http == nil {
		j.http = NewHTTPClient("jobs", 30*time.Second)
	}
	if j.mailer == nil {
		j.mailer = NewSMTPMailer(deps.Config.Mail, j.log)
	}
	return j
}

// Apply swaps the job configuration for subsequent runs.
func (j *Jobs) Apply(cfg Config) {
	j.mu.Lock()
	j.cfg = cfg
	j.mu.Unlock()
	if m, ok := j.mailer.(*SMTPMailer); ok {
		m.Apply(cfg.Mail)
	}
}

// SetDispatcher wires the dispatcher used by SendEmail; it is built after the
// registry the jobs are registered into.
func (j *Jobs) SetDispatcher(d Dispatcher) {
	j.mu.Lock()
	j.disp = d
	j.mu.Unlock()
}

func (j *Jobs) config() Config {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cfg
}

func (j *Jobs) dispatcher() Dispatcher {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.disp
}

// ready reports whether the store can be used, logging the skip otherwise.
func (j *Jobs) ready(task string) bool {
	if j.store == nil || !j.gate.Ready() {
		j.log.Info("could not perform '"+task+"' - app registry not ready", logx.String("task", task))
		return false
	}
	return true
}

// storeSkipped turns a not-ready store into a logged skip.
func (j *Jobs) storeSkipped(task string, err error) error {
	if errors.Is(err, storage.ErrNotReady) {
		j.log.Warn(task+": database not ready", logx.String("task", task), logx.Err(err))
		return nil
	}
	return err
}

// Register adds every job to reg. The inventree.tasks functions are also
// visible as bare names to inline resolution.
func Register(reg *registry.Registry, deps Deps) (*Jobs, error) {
	j := New(deps)
	tasks := map[string]registry.Func{
		"heartbeat":               j.Heartbeat,
		"delete_successful_tasks": j.DeleteSuccessfulTasks,
		"delete_old_error_logs":   j.DeleteOldErrorLogs,
		"check_for_updates":       j.CheckForUpdates,
		"delete_expired_sessions": j.DeleteExpiredSessions,
		"update_exchange_rates":   j.UpdateExchangeRates,
	}
	if err := reg.RegisterModule(ModuleTasks, tasks); err != nil {
		return nil, err
	}
	for name, fn := range tasks {
		if err := reg.RegisterScope(name, fn); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(SendMail, j.SendMailTask); err != nil {
		return nil, err
	}
	if err := reg.Register(NotifyLowStockTask, j.NotifyLowStockTask); err != nil {
		return nil, err
	}
	return j, nil
}
