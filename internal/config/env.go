package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays RELAY_* environment variables onto cfg. Unparseable
// values are ignored so a bad variable cannot zero out a default.
func FromEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "RELAY_SERVER_ADDR")
	setStringList(&cfg.Server.AllowedOrigins, "RELAY_SERVER_ALLOWED_ORIGINS")
	setDuration(&cfg.Server.ShutdownTimeout, "RELAY_SERVER_SHUTDOWN_TIMEOUT")

	setString(&cfg.Log.Level, "RELAY_LOG_LEVEL")
	setString(&cfg.Log.Format, "RELAY_LOG_FORMAT")

	setInt(&cfg.Queue.HistorySize, "RELAY_QUEUE_HISTORY_SIZE")

	setBool(&cfg.Batch.Enabled, "RELAY_BATCH_ENABLED")
	setInt(&cfg.Batch.MinSize, "RELAY_BATCH_MIN_SIZE")
	setInt(&cfg.Batch.MaxSize, "RELAY_BATCH_MAX_SIZE")
	setDuration(&cfg.Batch.MaxWait, "RELAY_BATCH_MAX_WAIT")

	setInt(&cfg.Retry.MaxAttempts, "RELAY_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "RELAY_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "RELAY_RETRY_MAX_DELAY")
	setFloat(&cfg.Retry.Multiplier, "RELAY_RETRY_MULTIPLIER")
	setDuration(&cfg.Retry.PollInterval, "RELAY_RETRY_POLL_INTERVAL")
	setInt(&cfg.Retry.HistorySize, "RELAY_RETRY_HISTORY_SIZE")

	setInt(&cfg.Mailbox.MaxPerRecipient, "RELAY_MAILBOX_MAX_PER_RECIPIENT")
	setDuration(&cfg.Mailbox.TTL, "RELAY_MAILBOX_TTL")
	setDuration(&cfg.Mailbox.SweepInterval, "RELAY_MAILBOX_SWEEP_INTERVAL")

	setStringList(&cfg.Classifier.SpamKeywords, "RELAY_CLASSIFIER_SPAM_KEYWORDS")
	setStringList(&cfg.Classifier.UrgentKeywords, "RELAY_CLASSIFIER_URGENT_KEYWORDS")
	setStringList(&cfg.Classifier.HighKeywords, "RELAY_CLASSIFIER_HIGH_KEYWORDS")
	setInt(&cfg.Classifier.MaxLength, "RELAY_CLASSIFIER_MAX_LENGTH")

	setBool(&cfg.DeadLetter.Enabled, "RELAY_DEAD_LETTER_ENABLED")
	setString(&cfg.DeadLetter.DataDir, "RELAY_DEAD_LETTER_DATA_DIR")
	setInt(&cfg.DeadLetter.MaxEntries, "RELAY_DEAD_LETTER_MAX_ENTRIES")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func setStringList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
