// Package config loads and merges the hack control-plane configuration.
//
// Two JSON documents feed the daemon: the global ~/.hack/hack.config.json
// and an optional per-project <projectDir>/hack.config.json. Project
// values override global ones except for the listener-level gateway keys
// (bind, port, allowWrites) and extension ids declared globally, which
// are global-only and ignored in project files with a warning.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Defaults applied when neither document sets a value.
const (
	DefaultGatewayBind       = "127.0.0.1"
	DefaultGatewayPort       = 7788
	DefaultMaxConcurrentJobs = 4
	DefaultLogsMaxBytes      = 5 * 1024 * 1024
)

// globalOnlyKeys are gateway keys a project file may not override.
var globalOnlyKeys = []string{"gateway.bind", "gateway.port", "gateway.allowwrites"}

// Gateway is the gateway section of a config document.
type Gateway struct {
	// Enabled is project-scoped: it opts a single project into the
	// gateway. In the global document it is ignored.
	Enabled *bool `mapstructure:"enabled" json:"enabled,omitempty"`

	// Bind, Port and AllowWrites are global-only listener settings.
	Bind        string `mapstructure:"bind" json:"bind,omitempty"`
	Port        int    `mapstructure:"port" json:"port,omitempty"`
	AllowWrites *bool  `mapstructure:"allowWrites" json:"allowWrites,omitempty"`
}

// Supervisor is the supervisor section of a config document.
type Supervisor struct {
	MaxConcurrentJobs int   `mapstructure:"maxConcurrentJobs" json:"maxConcurrentJobs,omitempty"`
	LogsMaxBytes      int64 `mapstructure:"logsMaxBytes" json:"logsMaxBytes,omitempty"`
}

// Extension is one entry of the extensions section. Config is an opaque
// per-extension blob the daemon never interprets.
type Extension struct {
	Enabled      *bool          `mapstructure:"enabled" json:"enabled,omitempty"`
	CLINamespace string         `mapstructure:"cliNamespace" json:"cliNamespace,omitempty"`
	Config       map[string]any `mapstructure:"config" json:"config,omitempty"`
}

// File is the parsed shape of one config document.
type File struct {
	Gateway    Gateway              `mapstructure:"gateway" json:"gateway,omitempty"`
	Supervisor Supervisor           `mapstructure:"supervisor" json:"supervisor,omitempty"`
	Extensions map[string]Extension `mapstructure:"extensions" json:"extensions,omitempty"`
}

// Document is a loaded config file plus the set of keys it actually
// declares, which drives global-only override warnings.
type Document struct {
	File
	Path   string
	Exists bool

	v *viper.Viper
}

// Load parses one config document. A missing file yields an empty
// document with Exists=false and no error; daemons run fine unconfigured.
func Load(path string) (*Document, error) {
	doc := &Document{Path: path}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := v.Unmarshal(&doc.File); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	doc.Exists = true
	doc.v = v
	return doc, nil
}

// IsSet reports whether the document itself declares the (lowercased,
// dot-separated) key.
func (d *Document) IsSet(key string) bool {
	return d != nil && d.v != nil && d.v.IsSet(key)
}

// GatewayEnabled reports whether this document opts its project into the
// gateway. Only meaningful on project documents.
func (d *Document) GatewayEnabled() bool {
	return d != nil && d.Gateway.Enabled != nil && *d.Gateway.Enabled
}

// Effective is the merged, default-applied view the daemon runs with.
type Effective struct {
	GatewayBind        string
	GatewayPort        int
	GatewayAllowWrites bool

	MaxConcurrentJobs int
	LogsMaxBytes      int64

	Extensions map[string]Extension
}

// Merge combines a global and a project document. Project values win
// except for the global-only gateway keys and extension ids declared
// globally; ignored overrides are reported through warn (nullable).
func Merge(global, project *Document, warn func(key string)) Effective {
	if warn == nil {
		warn = func(string) {}
	}

	eff := Effective{
		GatewayBind:       DefaultGatewayBind,
		GatewayPort:       DefaultGatewayPort,
		MaxConcurrentJobs: DefaultMaxConcurrentJobs,
		LogsMaxBytes:      DefaultLogsMaxBytes,
		Extensions:        map[string]Extension{},
	}

	if global != nil {
		if global.Gateway.Bind != "" {
			eff.GatewayBind = global.Gateway.Bind
		}
		if global.Gateway.Port != 0 {
			eff.GatewayPort = global.Gateway.Port
		}
		if global.Gateway.AllowWrites != nil {
			eff.GatewayAllowWrites = *global.Gateway.AllowWrites
		}
		applySupervisor(&eff, global.Supervisor)
		for id, ext := range global.Extensions {
			eff.Extensions[id] = ext
		}
	}

	if project != nil {
		for _, key := range globalOnlyKeys {
			if project.IsSet(key) {
				warn(key)
			}
		}
		applySupervisor(&eff, project.Supervisor)
		for id, ext := range project.Extensions {
			if global != nil {
				if _, declaredGlobally := global.Extensions[id]; declaredGlobally {
					warn("extensions." + id)
					continue
				}
			}
			eff.Extensions[id] = ext
		}
	}

	return eff
}

func applySupervisor(eff *Effective, s Supervisor) {
	if s.MaxConcurrentJobs > 0 {
		eff.MaxConcurrentJobs = s.MaxConcurrentJobs
	}
	if s.LogsMaxBytes > 0 {
		eff.LogsMaxBytes = s.LogsMaxBytes
	}
}
