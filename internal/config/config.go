package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/rzbill/relay/internal/batch"
	"github.com/rzbill/relay/internal/classify"
	"github.com/rzbill/relay/internal/mailbox"
	"github.com/rzbill/relay/internal/retry"
)

// Duration unmarshals either a JSON number of nanoseconds or a string
// accepted by time.ParseDuration ("250ms", "24h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("config: invalid duration %q", string(b))
	}
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Log        LogConfig        `json:"log"`
	Queue      QueueConfig      `json:"queue"`
	Batch      BatchConfig      `json:"batch"`
	Retry      RetryConfig      `json:"retry"`
	Mailbox    MailboxConfig    `json:"mailbox"`
	Classifier classify.Config  `json:"classifier"`
	DeadLetter DeadLetterConfig `json:"dead_letter"`
}

// ServerConfig covers the HTTP/websocket gateway.
type ServerConfig struct {
	Addr            string   `json:"addr"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// LogConfig selects level and output format.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// QueueConfig tunes the priority queue.
type QueueConfig struct {
	HistorySize int `json:"history_size"`
}

// BatchConfig tunes the batch assembler. Enabled=false routes broadcast
// traffic directly to the batch-ready callback as single-message envelopes.
type BatchConfig struct {
	Enabled bool     `json:"enabled"`
	MinSize int      `json:"min_size"`
	MaxSize int      `json:"max_size"`
	MaxWait Duration `json:"max_wait"`
}

// Assembler converts to the assembler's own config type.
func (c BatchConfig) Assembler() batch.Config {
	return batch.Config{MinSize: c.MinSize, MaxSize: c.MaxSize, MaxWait: c.MaxWait.Std()}
}

// RetryConfig tunes the redelivery scheduler.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	BaseDelay    Duration `json:"base_delay"`
	MaxDelay     Duration `json:"max_delay"`
	Multiplier   float64  `json:"multiplier"`
	PollInterval Duration `json:"poll_interval"`
	HistorySize  int      `json:"history_size"`
}

// Scheduler converts to the scheduler's own config type.
func (c RetryConfig) Scheduler() retry.Config {
	return retry.Config{
		MaxAttempts:  c.MaxAttempts,
		BaseDelay:    c.BaseDelay.Std(),
		MaxDelay:     c.MaxDelay.Std(),
		Multiplier:   c.Multiplier,
		PollInterval: c.PollInterval.Std(),
		HistorySize:  c.HistorySize,
	}
}

// MailboxConfig tunes offline storage.
type MailboxConfig struct {
	MaxPerRecipient int      `json:"max_per_recipient"`
	TTL             Duration `json:"ttl"`
	SweepInterval   Duration `json:"sweep_interval"`
}

// Mailbox converts to the mailbox's own config type.
func (c MailboxConfig) Mailbox() mailbox.Config {
	return mailbox.Config{
		MaxPerRecipient: c.MaxPerRecipient,
		TTL:             c.TTL.Std(),
		SweepInterval:   c.SweepInterval.Std(),
	}
}

// DeadLetterConfig covers the on-disk abandonment archive.
type DeadLetterConfig struct {
	Enabled    bool   `json:"enabled"`
	DataDir    string `json:"data_dir"`
	MaxEntries int    `json:"max_entries"`
}

// Default returns built-in defaults matching the documented behavior of
// each pipeline stage.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Queue: QueueConfig{
			HistorySize: 10,
		},
		Batch: BatchConfig{
			Enabled: true,
			MinSize: 2,
			MaxSize: 5,
			MaxWait: Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    Duration(time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2,
			PollInterval: Duration(500 * time.Millisecond),
			HistorySize:  1000,
		},
		Mailbox: MailboxConfig{
			MaxPerRecipient: 100,
			TTL:             Duration(24 * time.Hour),
			SweepInterval:   Duration(5 * time.Minute),
		},
		DeadLetter: DeadLetterConfig{
			Enabled:    true,
			DataDir:    "",
			MaxEntries: 1000,
		},
	}
}

// Load builds the effective configuration: defaults, then the JSON file at
// path (if any), then a .env file in the working directory (if present),
// then RELAY_* environment variables. Later layers win.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	// .env is a convenience for local runs; absence is not an error.
	_ = godotenv.Load()
	FromEnv(&cfg)

	return cfg, nil
}

// Validate rejects configurations any pipeline stage would refuse.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if err := c.Batch.Assembler().Validate(); err != nil {
		return err
	}
	if err := c.Retry.Scheduler().Validate(); err != nil {
		return err
	}
	if err := c.Mailbox.Mailbox().Validate(); err != nil {
		return err
	}
	if c.Queue.HistorySize < 0 {
		return fmt.Errorf("config: queue.history_size %d < 0", c.Queue.HistorySize)
	}
	if c.DeadLetter.Enabled && c.DeadLetter.MaxEntries < 1 {
		return fmt.Errorf("config: dead_letter.max_entries %d < 1", c.DeadLetter.MaxEntries)
	}
	if _, err := classify.New(c.Classifier); err != nil {
		return err
	}
	return nil
}
