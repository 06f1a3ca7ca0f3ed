// Package config loads the lab description: how to reach every host of the
// SUT, which text conventions its shells follow and how long to wait for
// them.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Transport names a session transport in the lab file.
type Transport string

const (
	TransportSSH    Transport = "ssh"
	TransportTelnet Transport = "telnet"
)

// Lab is the top-level lab file.
type Lab struct {
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	// PromptPrefix is printed before the shell prompt on TELNET consoles.
	PromptPrefix string `yaml:"promptPrefix,omitempty" json:"promptPrefix,omitempty"`
	// Defaults fill credentials a host leaves empty.
	Defaults Credentials `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Hosts    []Host      `yaml:"hosts" json:"hosts" jsonschema:"required,minItems=1"`
	Active   Active      `yaml:"active,omitempty" json:"active,omitempty"`
	Patterns Patterns    `yaml:"patterns,omitempty" json:"patterns,omitempty"`
	Timeouts Timeouts    `yaml:"timeouts,omitempty" json:"timeouts,omitempty"`
	// TranscriptDir receives one <host>.log per host; empty disables them.
	TranscriptDir string `yaml:"transcriptDir,omitempty" json:"transcriptDir,omitempty"`
	// Parallelism bounds multi-host operations.
	Parallelism int `yaml:"parallelism,omitempty" json:"parallelism,omitempty" jsonschema:"minimum=0"`
}

// Credentials are the login details shared by hosts.
type Credentials struct {
	User           string `yaml:"user,omitempty" json:"user,omitempty"`
	Password       string `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFile        string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	KeyPassphrase  string `yaml:"keyPassphrase,omitempty" json:"keyPassphrase,omitempty"`
	KnownHostsFile string `yaml:"knownHostsFile,omitempty" json:"knownHostsFile,omitempty"`
	UseAgent       bool   `yaml:"useAgent,omitempty" json:"useAgent,omitempty"`
}

// Host is one reachable shell of the SUT.
type Host struct {
	// Key names the host in the registry, e.g. "controller-0".
	Key       string    `yaml:"key" json:"key" jsonschema:"required"`
	Address   string    `yaml:"address" json:"address" jsonschema:"required"`
	Port      int       `yaml:"port,omitempty" json:"port,omitempty" jsonschema:"minimum=0,maximum=65535"`
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty" jsonschema:"enum=ssh,enum=telnet"`
	// Credentials override Lab.Defaults field by field.
	Credentials `yaml:",inline"`
	// Prompt overrides the prompt template for this host.
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// AdminPrompt overrides the admin prompt template for this host.
	AdminPrompt string `yaml:"adminPrompt,omitempty" json:"adminPrompt,omitempty"`
}

// Active says how to find the active controller.
type Active struct {
	// Host is the host key that always reaches the active controller,
	// typically the floating OAM address.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	// HostnameCommand prints the name of the controller behind Host.
	HostnameCommand string `yaml:"hostnameCommand,omitempty" json:"hostnameCommand,omitempty"`
	// Names maps printed hostnames to host keys. Unmapped names are used as
	// keys directly.
	Names map[string]string `yaml:"names,omitempty" json:"names,omitempty"`
}

// Patterns are the regular expressions and commands describing the SUT
// shells. Prompt templates may use {{host}}, {{user}} and {{prefix}}, which
// are replaced by the quoted host key, user and lab prompt prefix.
type Patterns struct {
	Prompt            string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	TelnetPrompt      string `yaml:"telnetPrompt,omitempty" json:"telnetPrompt,omitempty"`
	AdminPrompt       string `yaml:"adminPrompt,omitempty" json:"adminPrompt,omitempty"`
	LoginPrompt       string `yaml:"loginPrompt,omitempty" json:"loginPrompt,omitempty"`
	PasswordPrompt    string `yaml:"passwordPrompt,omitempty" json:"passwordPrompt,omitempty"`
	LoginFailed       string `yaml:"loginFailed,omitempty" json:"loginFailed,omitempty"`
	ExitStatusCommand string `yaml:"exitStatusCommand,omitempty" json:"exitStatusCommand,omitempty"`
	ExitStatus        string `yaml:"exitStatus,omitempty" json:"exitStatus,omitempty"`
	DateBanner        string `yaml:"dateBanner,omitempty" json:"dateBanner,omitempty"`
	SudoPassword      string `yaml:"sudoPassword,omitempty" json:"sudoPassword,omitempty"`
	// ReadOnly matches commands logged at debug instead of info.
	ReadOnly string `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
	// CredentialsFile is sourced to switch to the admin prompt.
	CredentialsFile string `yaml:"credentialsFile,omitempty" json:"credentialsFile,omitempty"`
}

// Timeouts bound the blocking operations.
type Timeouts struct {
	Connect       Duration `yaml:"connect,omitempty" json:"connect,omitempty"`
	Command       Duration `yaml:"command,omitempty" json:"command,omitempty"`
	RetryTimeout  Duration `yaml:"retryTimeout,omitempty" json:"retryTimeout,omitempty"`
	RetryInterval Duration `yaml:"retryInterval,omitempty" json:"retryInterval,omitempty"`
	Interrupt     Duration `yaml:"interrupt,omitempty" json:"interrupt,omitempty"`
}

// Duration is a time.Duration written as "30s" or "5m". YAML integers are
// read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.ShortTag() == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a string in the lab file schema.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "duration such as 30s, 5m or 1h30m",
	}
}
