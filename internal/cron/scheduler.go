// Package cron fires scheduled tasks from a JSON job file through the same
// admission path as a chat /run command.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/operr"
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const jobsSchemaJSON = `{
  "type": "object",
  "properties": {
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "task": {"type": "string", "minLength": 1},
          "everySec": {"type": "integer", "minimum": 1},
          "cronExpr": {"type": "string"},
          "chatId": {"type": "integer"},
          "model": {"type": "string"},
          "runOnStartup": {"type": "boolean"},
          "enabled": {"type": "boolean"},
          "lastRunAt": {"type": "string"}
        },
        "required": ["id", "task"],
        "additionalProperties": false
      }
    }
  },
  "required": ["jobs"],
  "additionalProperties": false
}`

var jobsSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jobsSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("jobs.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("jobs.json")
}()

// Job is one scheduled task. Either everySec or cronExpr drives the
// schedule; with both set, cronExpr wins.
type Job struct {
	ID           string     `json:"id"`
	Task         string     `json:"task"`
	EverySec     int        `json:"everySec,omitempty"`
	CronExpr     string     `json:"cronExpr,omitempty"`
	ChatID       int64      `json:"chatId,omitempty"`
	Model        string     `json:"model,omitempty"`
	RunOnStartup bool       `json:"runOnStartup,omitempty"`
	Enabled      *bool      `json:"enabled,omitempty"`
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
}

func (j Job) enabled() bool { return j.Enabled == nil || *j.Enabled }

type jobsFile struct {
	Jobs []Job `json:"jobs"`
}

// Submit admits a job's task through the gateway's queued path so cron never
// collides with an interactive task.
type Submit func(chatID int64, task, model string) error

// Scheduler ticks the job file and fires due jobs.
type Scheduler struct {
	path    string
	cfg     config.CronConfig
	submit  Submit
	logger  *slog.Logger
	started sync.Once

	mu   sync.Mutex
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewScheduler reads jobs from path on every tick so edits apply without a
// restart.
func NewScheduler(path string, cfg config.CronConfig, submit Submit, logger *slog.Logger) *Scheduler {
	return &Scheduler{path: path, cfg: cfg, submit: submit, logger: logger}
}

// Start launches the tick loop and fires runOnStartup jobs once.
func (s *Scheduler) Start(ctx context.Context) {
	s.started.Do(func() {
		ctx, s.stop = context.WithCancel(ctx)
		s.wg.Add(1)
		go s.loop(ctx)
		s.logger.Info("cron scheduler started", "tickSec", s.cfg.TickSec, "file", s.path)
	})
}

// Stop halts the loop and waits for it.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Jobs returns the currently configured jobs.
func (s *Scheduler) Jobs() ([]Job, error) {
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Jobs, nil
}

// RunJob fires one job immediately regardless of its schedule, used by the
// /cronrun command.
func (s *Scheduler) RunJob(id string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	for i := range f.Jobs {
		if f.Jobs[i].ID == id {
			return s.fire(&f.Jobs[i], f)
		}
	}
	return operr.New(operr.KindConfigInvalid, "unknown cron job %q", id)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.startupPass()

	ticker := time.NewTicker(time.Duration(s.cfg.TickSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) startupPass() {
	f, err := s.load()
	if err != nil {
		s.logger.Warn("cron jobs unreadable", "error", err)
		return
	}
	for i := range f.Jobs {
		job := &f.Jobs[i]
		if job.enabled() && job.RunOnStartup {
			if err := s.fire(job, f); err != nil {
				s.logger.Warn("startup job failed to submit", "jobId", job.ID, "error", err)
			}
		}
	}
}

func (s *Scheduler) tick() {
	f, err := s.load()
	if err != nil {
		s.logger.Warn("cron jobs unreadable", "error", err)
		return
	}
	now := time.Now()
	for i := range f.Jobs {
		job := &f.Jobs[i]
		if !job.enabled() || !s.due(job, now) {
			continue
		}
		if err := s.fire(job, f); err != nil {
			s.logger.Warn("cron job failed to submit", "jobId", job.ID, "error", err)
		}
	}
}

// due applies cronExpr when present, otherwise the everySec interval against
// lastRunAt.
func (s *Scheduler) due(job *Job, now time.Time) bool {
	last := time.Time{}
	if job.LastRunAt != nil {
		last = *job.LastRunAt
	}
	if job.CronExpr != "" {
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			s.logger.Warn("invalid cron expression", "jobId", job.ID, "expr", job.CronExpr, "error", err)
			return false
		}
		if last.IsZero() {
			last = now.Add(-time.Duration(s.cfg.TickSec) * time.Second)
		}
		return !sched.Next(last).After(now)
	}
	if job.EverySec <= 0 {
		return false
	}
	return now.Sub(last) >= time.Duration(job.EverySec)*time.Second
}

func (s *Scheduler) fire(job *Job, f *jobsFile) error {
	if err := s.submit(job.ChatID, job.Task, job.Model); err != nil {
		return err
	}
	now := time.Now().UTC()
	job.LastRunAt = &now
	if err := s.save(f); err != nil {
		s.logger.Warn("cron state not persisted", "jobId", job.ID, "error", err)
	}
	s.logger.Info("cron job submitted", "jobId", job.ID, "task", job.Task)
	return nil
}

func (s *Scheduler) load() (*jobsFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &jobsFile{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, operr.New(operr.KindConfigInvalid, "cron jobs: %v", err)
	}
	if err := jobsSchema.Validate(doc); err != nil {
		return nil, operr.New(operr.KindConfigInvalid, "cron jobs schema: %v", err)
	}

	var f jobsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, operr.New(operr.KindConfigInvalid, "cron jobs: %v", err)
	}
	return &f, nil
}

func (s *Scheduler) save(f *jobsFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
