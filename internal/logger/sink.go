package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/gophpeek/phpeek-watchdog/internal/config"
)

// FileName returns the sink file name for a server id
func FileName(id string) string {
	if id == "" {
		id = config.DefaultServerID
	}
	return "jvm-" + id + ".log"
}

// Sink is an append-only log file with size and period based rollover
type Sink struct {
	path   string
	file   *lumberjack.Logger
	cron   *cron.Cron
	logger *slog.Logger

	closeOnce sync.Once
}

// NewSink opens (or creates) the rotating file for id inside dir
func NewSink(dir, id string, cfg config.LogsConfig, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, FileName(id))
	s := &Sink{
		path: path,
		file: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.RolloverSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		},
		logger: logger.With("log_file", path),
	}

	if cfg.RolloverPeriod != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.RolloverPeriod, s.rotateScheduled); err != nil {
			return nil, fmt.Errorf("invalid rollover period %q: %w", cfg.RolloverPeriod, err)
		}
		s.cron.Start()
	}

	return s, nil
}

func (s *Sink) rotateScheduled() {
	if err := s.Rotate(); err != nil {
		s.logger.Warn("Scheduled log rollover failed", "error", err)
		return
	}
	s.logger.Debug("Log rolled over on schedule")
}

// Write appends p to the current file
func (s *Sink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Rotate archives the current file and starts a new one
func (s *Sink) Rotate() error {
	return s.file.Rotate()
}

// Path returns the active file path
func (s *Sink) Path() string {
	return s.path
}

// Close stops scheduled rollover and closes the file
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		err = s.file.Close()
	})
	return err
}
