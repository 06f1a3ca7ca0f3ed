package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"gopkg.in/yaml.v3"
)

// Default patterns of a StarlingX-like SUT shell.
const (
	DefaultPrompt            = `{{host}}:~\$ $`
	DefaultTelnetPrompt      = `{{prefix}}{{host}}:~\$ $`
	DefaultAdminPrompt       = `\[{{user}}@{{host}} ~\(keystone_admin\)\]\$ $`
	DefaultLoginPrompt       = `login:\s*$`
	DefaultPasswordPrompt    = `[Pp]assword:\s*$`
	DefaultLoginFailed       = `Login incorrect`
	DefaultExitStatusCommand = "echo $?"
	DefaultExitStatus        = `(?m)^\s*(\d+)\s*$`
	DefaultDateBanner        = `^[A-Z][a-z]{2}\s+[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?\s+\S+\s+\d{4}$`
	DefaultSudoPassword      = `\[sudo\] password for [^:\r\n]*:\s*`
	DefaultReadOnly          = `^\s*(?:system \S+-(?:list|show)|openstack \S+ (?:list|show)|fm alarm-list|sm-dump|hostname|cat|ls|grep|test|echo)\b`
	DefaultCredentialsFile   = "/etc/platform/openrc"
	DefaultHostnameCommand   = "hostname"
	DefaultUser              = "sysadmin"
	DefaultParallelism       = 4
)

// Default timeouts.
const (
	DefaultConnectTimeout   = 60 * time.Second
	DefaultCommandTimeout   = 60 * time.Second
	DefaultRetryTimeout     = 5 * time.Minute
	DefaultRetryInterval    = 10 * time.Second
	DefaultInterruptTimeout = 5 * time.Second
)

// Load reads a lab file. The format follows the extension: .yaml, .yml or
// .json. Defaults are applied and the result is validated.
func Load(path string) (*Lab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrConfiguration, fmt.Sprintf("failed to read lab file %s", path))
	}

	lab, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, serrors.WithContext(err, map[string]interface{}{"path": path})
	}
	return lab, nil
}

// Parse decodes a lab file body in the format named by ext.
func Parse(data []byte, ext string) (*Lab, error) {
	lab := &Lab{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, lab); err != nil {
			return nil, serrors.Wrap(err, serrors.ErrConfiguration, "failed to parse YAML lab file")
		}
	case ".json":
		if err := json.Unmarshal(data, lab); err != nil {
			return nil, serrors.Wrap(err, serrors.ErrConfiguration, "failed to parse JSON lab file")
		}
	default:
		return nil, serrors.Newf(serrors.ErrConfiguration, "unsupported lab file format: %q", ext)
	}

	lab.ApplyDefaults()
	if err := lab.Validate(); err != nil {
		return nil, err
	}
	return lab, nil
}

// ApplyDefaults fills every unset field with its default.
func (l *Lab) ApplyDefaults() {
	p := &l.Patterns
	setDefault(&p.Prompt, DefaultPrompt)
	setDefault(&p.TelnetPrompt, DefaultTelnetPrompt)
	setDefault(&p.AdminPrompt, DefaultAdminPrompt)
	setDefault(&p.LoginPrompt, DefaultLoginPrompt)
	setDefault(&p.PasswordPrompt, DefaultPasswordPrompt)
	setDefault(&p.LoginFailed, DefaultLoginFailed)
	setDefault(&p.ExitStatusCommand, DefaultExitStatusCommand)
	setDefault(&p.ExitStatus, DefaultExitStatus)
	setDefault(&p.DateBanner, DefaultDateBanner)
	setDefault(&p.SudoPassword, DefaultSudoPassword)
	setDefault(&p.ReadOnly, DefaultReadOnly)
	setDefault(&p.CredentialsFile, DefaultCredentialsFile)

	setDefault(&l.Active.HostnameCommand, DefaultHostnameCommand)
	setDefault(&l.Defaults.User, DefaultUser)

	t := &l.Timeouts
	setDuration(&t.Connect, DefaultConnectTimeout)
	setDuration(&t.Command, DefaultCommandTimeout)
	setDuration(&t.RetryTimeout, DefaultRetryTimeout)
	setDuration(&t.RetryInterval, DefaultRetryInterval)
	setDuration(&t.Interrupt, DefaultInterruptTimeout)

	if l.Parallelism == 0 {
		l.Parallelism = DefaultParallelism
	}
	for i := range l.Hosts {
		if l.Hosts[i].Transport == "" {
			l.Hosts[i].Transport = TransportSSH
		}
	}
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func setDuration(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

// Validate checks required fields and compiles every pattern for every
// host.
func (l *Lab) Validate() error {
	if l.Name == "" {
		return invalid("lab name is required")
	}
	if len(l.Hosts) == 0 {
		return invalid("lab %q has no hosts", l.Name)
	}

	seen := make(map[string]bool, len(l.Hosts))
	for _, h := range l.Hosts {
		switch {
		case h.Key == "":
			return invalid("host with address %q has no key", h.Address)
		case seen[h.Key]:
			return invalid("duplicate host key %q", h.Key)
		case h.Address == "":
			return invalid("host %q has no address", h.Key)
		case h.Port < 0 || h.Port > 65535:
			return invalid("host %q has invalid port %d", h.Key, h.Port)
		case h.Transport != TransportSSH && h.Transport != TransportTelnet:
			return invalid("host %q has unknown transport %q", h.Key, h.Transport)
		}
		seen[h.Key] = true

		for name, tmpl := range l.hostTemplates(h) {
			if _, err := Compile(tmpl, l.Vars(h)); err != nil {
				return serrors.WithContext(err, map[string]interface{}{"host": h.Key, "pattern": name})
			}
		}
	}

	if l.Active.Host != "" && !seen[l.Active.Host] {
		return invalid("active controller host %q is not a lab host", l.Active.Host)
	}
	for name, key := range l.Active.Names {
		if !seen[key] {
			return invalid("hostname %q maps to unknown host %q", name, key)
		}
	}

	for name, re := range map[string]string{
		"exitStatus":   l.Patterns.ExitStatus,
		"dateBanner":   l.Patterns.DateBanner,
		"sudoPassword": l.Patterns.SudoPassword,
		"readOnly":     l.Patterns.ReadOnly,
	} {
		if _, err := regexp.Compile(re); err != nil {
			return serrors.Wrap(err, serrors.ErrConfiguration, fmt.Sprintf("invalid %s pattern", name))
		}
	}

	if l.Parallelism < 0 {
		return invalid("parallelism must not be negative")
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return serrors.Newf(serrors.ErrConfiguration, format, args...)
}

func (l *Lab) hostTemplates(h Host) map[string]string {
	return map[string]string{
		"prompt":         l.PromptTemplate(h),
		"adminPrompt":    l.AdminPromptTemplate(h),
		"loginPrompt":    l.Patterns.LoginPrompt,
		"passwordPrompt": l.Patterns.PasswordPrompt,
		"loginFailed":    l.Patterns.LoginFailed,
	}
}

// Host returns the host with key, with the lab default credentials merged
// in.
func (l *Lab) Host(key string) (Host, error) {
	for _, h := range l.Hosts {
		if h.Key == key {
			return l.merge(h), nil
		}
	}
	return Host{}, &serrors.Error{
		Code:    serrors.ErrNotFound,
		Message: fmt.Sprintf("no host %q in lab %q", key, l.Name),
		Context: map[string]interface{}{"hosts": strings.Join(l.Keys(), ",")},
	}
}

// Keys returns the host keys in file order.
func (l *Lab) Keys() []string {
	keys := make([]string, len(l.Hosts))
	for i, h := range l.Hosts {
		keys[i] = h.Key
	}
	return keys
}

func (l *Lab) merge(h Host) Host {
	d := l.Defaults
	setDefault(&h.User, d.User)
	setDefault(&h.Password, d.Password)
	setDefault(&h.KeyFile, d.KeyFile)
	setDefault(&h.KeyPassphrase, d.KeyPassphrase)
	setDefault(&h.KnownHostsFile, d.KnownHostsFile)
	if !h.UseAgent {
		h.UseAgent = d.UseAgent
	}
	return h
}

// PromptTemplate returns the prompt template that applies to h.
func (l *Lab) PromptTemplate(h Host) string {
	switch {
	case h.Prompt != "":
		return h.Prompt
	case h.Transport == TransportTelnet:
		return l.Patterns.TelnetPrompt
	default:
		return l.Patterns.Prompt
	}
}

// AdminPromptTemplate returns the admin prompt template that applies to h.
func (l *Lab) AdminPromptTemplate(h Host) string {
	if h.AdminPrompt != "" {
		return h.AdminPrompt
	}
	return l.Patterns.AdminPrompt
}

// ResolveHostname maps a printed hostname to a host key.
func (l *Lab) ResolveHostname(name string) string {
	name = strings.TrimSpace(name)
	if key, ok := l.Active.Names[name]; ok {
		return key
	}
	return name
}

// Vars are the values substituted into prompt templates.
type Vars struct {
	Host   string
	User   string
	Prefix string
}

// Vars returns the template values of h.
func (l *Lab) Vars(h Host) Vars {
	return Vars{Host: h.Key, User: l.merge(h).User, Prefix: l.PromptPrefix}
}

// Expand substitutes vars into tmpl. Values are regexp-quoted.
func Expand(tmpl string, vars Vars) string {
	return strings.NewReplacer(
		"{{host}}", regexp.QuoteMeta(vars.Host),
		"{{user}}", regexp.QuoteMeta(vars.User),
		"{{prefix}}", regexp.QuoteMeta(vars.Prefix),
	).Replace(tmpl)
}

// Compile expands tmpl and compiles it.
func Compile(tmpl string, vars Vars) (*regexp.Regexp, error) {
	re, err := regexp.Compile(Expand(tmpl, vars))
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrConfiguration, fmt.Sprintf("invalid pattern %q", tmpl))
	}
	return re, nil
}
