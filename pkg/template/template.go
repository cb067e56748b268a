// Package template generates starter configuration snippets for common
// check setups.
package template

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType represents the type of template to generate
type TemplateType string

const (
	TypeRaw       TemplateType = "raw"
	TypePlugin    TemplateType = "plugin"
	TypeConnector TemplateType = "connector"
	TypeScheduled TemplateType = "scheduled"
	TypeCron      TemplateType = "cron"
	TypeDaemon    TemplateType = "daemon"
	TypeServer    TemplateType = "server"
)

// File mirrors the configuration file layout. Durations are kept as strings
// so the output reads like hand-written configuration.
type File struct {
	CheckTimeout string      `toml:"check_timeout,omitempty"`
	Macros       []string    `toml:"macros,omitempty"`
	Log          *Log        `toml:"log,omitempty"`
	Server       *Server     `toml:"server,omitempty"`
	Metrics      *Metrics    `toml:"metrics,omitempty"`
	History      *History    `toml:"history,omitempty"`
	Connectors   []Connector `toml:"connectors,omitempty"`
	Commands     []Command   `toml:"commands,omitempty"`
	Schedules    []Schedule  `toml:"schedules,omitempty"`
}

type Log struct {
	Level  string `toml:"level,omitempty"`
	Format string `toml:"format,omitempty"`
}

type Server struct {
	Listen   string `toml:"listen"`
	BasePath string `toml:"base_path,omitempty"`
}

type Metrics struct {
	Enabled bool `toml:"enabled"`
}

type History struct {
	DSNs []string `toml:"dsns"`
}

type Connector struct {
	Name                   string `toml:"name"`
	Command                string `toml:"command"`
	MaxChecksBeforeRestart int    `toml:"max_checks_before_restart,omitempty"`
	QuitTimeout            string `toml:"quit_timeout,omitempty"`
	LogStderr              bool   `toml:"log_stderr,omitempty"`
}

type Command struct {
	Name      string `toml:"name"`
	Command   string `toml:"command"`
	Connector string `toml:"connector,omitempty"`
	Timeout   string `toml:"timeout,omitempty"`
}

type Schedule struct {
	Name     string   `toml:"name"`
	Command  string   `toml:"command"`
	Args     []string `toml:"args,omitempty"`
	Schedule string   `toml:"schedule"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a configuration template of the given type. name names
// the generated command.
func (g *Generator) Generate(templateType TemplateType, name string) (*File, error) {
	if name == "" {
		name = string(templateType) + "-sample"
	}
	switch templateType {
	case TypeRaw, TypePlugin:
		return g.generateRawTemplate(name), nil
	case TypeConnector:
		return g.generateConnectorTemplate(name), nil
	case TypeScheduled, TypeCron:
		return g.generateScheduledTemplate(name), nil
	case TypeDaemon, TypeServer:
		return g.generateDaemonTemplate(name), nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: raw, connector, scheduled, daemon)", templateType)
	}
}

// GenerateTOML renders the template as a configuration file.
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	f, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	data, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return data, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeRaw),
		string(TypeConnector),
		string(TypeScheduled),
		string(TypeDaemon),
	}
}

func (g *Generator) generateRawTemplate(name string) *File {
	return &File{
		Macros: []string{"USER1=/usr/lib/nagios/plugins"},
		Commands: []Command{{
			Name:    name,
			Command: "$USER1$/check_disk -w $ARG1$ -c $ARG2$ -p $ARG3$",
			Timeout: "30s",
		}},
	}
}

func (g *Generator) generateConnectorTemplate(name string) *File {
	return &File{
		Macros: []string{"USER1=/usr/lib/nagios/plugins"},
		Connectors: []Connector{{
			Name:                   "local",
			Command:                "checkengine connector",
			MaxChecksBeforeRestart: 1000,
			QuitTimeout:            "5s",
			LogStderr:              true,
		}},
		Commands: []Command{{
			Name:      name,
			Command:   "$USER1$/check_load -w $ARG1$ -c $ARG2$",
			Connector: "local",
			Timeout:   "10s",
		}},
	}
}

func (g *Generator) generateScheduledTemplate(name string) *File {
	return &File{
		Commands: []Command{{
			Name:    name,
			Command: "/usr/lib/nagios/plugins/check_ping -H $ARG1$ -w 100,20% -c 500,60%",
			Timeout: "15s",
		}},
		Schedules: []Schedule{{
			Name:     name + "-every-minute",
			Command:  name,
			Args:     []string{"127.0.0.1"},
			Schedule: "@every 1m",
		}},
	}
}

func (g *Generator) generateDaemonTemplate(name string) *File {
	return &File{
		CheckTimeout: "60s",
		Log:          &Log{Level: "info", Format: "json"},
		Server:       &Server{Listen: "127.0.0.1:8080", BasePath: "/api"},
		Metrics:      &Metrics{Enabled: true},
		History:      &History{DSNs: []string{"sqlite:///var/lib/checkengine/history.db"}},
		Commands: []Command{{
			Name:    name,
			Command: "/usr/lib/nagios/plugins/check_users -w $ARG1$ -c $ARG2$",
		}},
	}
}
