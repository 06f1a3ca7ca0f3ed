package config

import (
	"bytes"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
)

// EnvPrefix prefixes every environment variable read by LoadSettings.
const EnvPrefix = "SUT"

// Settings are process-level overrides read from the environment, e.g.
// SUT_LAB_FILE or SUT_DEFAULT_TIMEOUT.
type Settings struct {
	LabFile        string        `envconfig:"LAB_FILE"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"console"`
	DefaultTimeout time.Duration `envconfig:"DEFAULT_TIMEOUT"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT"`
	RetryTimeout   time.Duration `envconfig:"RETRY_TIMEOUT"`
	TranscriptDir  string        `envconfig:"TRANSCRIPT_DIR"`
	Parallelism    int           `envconfig:"PARALLELISM"`
}

// LoadSettings reads Settings from SUT_* variables.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return s, serrors.Wrap(err, serrors.ErrConfiguration, "failed to read environment settings")
	}
	return s, nil
}

// Apply overrides l with every setting that is set.
func (s Settings) Apply(l *Lab) {
	if s.DefaultTimeout > 0 {
		l.Timeouts.Command = Duration(s.DefaultTimeout)
	}
	if s.ConnectTimeout > 0 {
		l.Timeouts.Connect = Duration(s.ConnectTimeout)
	}
	if s.RetryTimeout > 0 {
		l.Timeouts.RetryTimeout = Duration(s.RetryTimeout)
	}
	if s.TranscriptDir != "" {
		l.TranscriptDir = s.TranscriptDir
	}
	if s.Parallelism > 0 {
		l.Parallelism = s.Parallelism
	}
}

// usageFormat renders one variable name per line.
const usageFormat = "{{range .}}{{.Key}}\n{{end}}"

// Usage lists the recognised environment variables.
func Usage() []string {
	var (
		s   Settings
		buf bytes.Buffer
	)
	if err := envconfig.Usagef(EnvPrefix, &s, &buf, usageFormat); err != nil {
		return nil
	}
	return strings.Fields(buf.String())
}
