package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's full option surface. The CLI fills it via
// go-flags; access rules come from a separate YAML file because they are
// structured and deployments keep them under config management.
type Config struct {
	Inverter string `long:"inverter" description:"Downstream RS-485 serial device (to inverter)"`
	Shine    string `long:"shine" description:"Upstream ShineWiFi-X serial device (omit if not present)"`

	Baud  int    `long:"baud" default:"9600" description:"Default baud if side-specific not set"`
	Bytes string `long:"bytes" default:"8E1" description:"Default serial format if side-specific not set"`

	InvBaud    int    `long:"inv-baud" description:"Inverter baudrate"`
	InvBytes   string `long:"inv-bytes" description:"Inverter format, e.g. 8E1"`
	ShineBaud  int    `long:"shine-baud" description:"Shine baudrate"`
	ShineBytes string `long:"shine-bytes" description:"Shine format, e.g. 8E1"`

	TCPBind     string `long:"tcp" default:"0.0.0.0:5020" description:"Primary Modbus-TCP bind ('-' to disable)"`
	TCPAltBind  string `long:"tcp-alt" description:"Secondary Modbus-TCP bind for ad-hoc tools ('-' to disable)"`
	SniffBind   string `long:"sniff" description:"JSONL sniff feed bind ('-' to disable)"`
	MetricsBind string `long:"metrics" description:"Prometheus /metrics bind ('-' to disable)"`

	MinPeriod   float64 `long:"min-period" default:"1.0" description:"Min seconds between downstream transactions"`
	ReadTimeout float64 `long:"rtimeout" default:"1.5" description:"RTU read timeout seconds"`

	LogPath   string `long:"log" default:"-" description:"JSONL wire log path ('-' to disable)"`
	RulesPath string `long:"rules" description:"Optional YAML access rules file"`

	SimDataset string `long:"sim-dataset" description:"Serve a dataset simulator instead of the inverter port"`

	// Rules is populated from RulesPath; it has no flag of its own.
	Rules []Rule
}

func (c *Config) Validate() error {
	if c.Inverter == "" && c.SimDataset == "" {
		return fmt.Errorf("an inverter device (or --sim-dataset) is required")
	}
	if c.MinPeriod < 0 {
		return fmt.Errorf("min-period must not be negative")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("rtimeout must be positive")
	}
	if !enabled(c.TCPBind) && !enabled(c.TCPAltBind) && !c.ShineEnabled() {
		return fmt.Errorf("no upstream configured: set --tcp, --tcp-alt or --shine")
	}
	return nil
}

func enabled(bind string) bool { return bind != "" && bind != "-" }

func (c *Config) TCPEnabled() bool     { return enabled(c.TCPBind) }
func (c *Config) TCPAltEnabled() bool  { return enabled(c.TCPAltBind) }
func (c *Config) SniffEnabled() bool   { return enabled(c.SniffBind) }
func (c *Config) MetricsEnabled() bool { return enabled(c.MetricsBind) }

// ShineEnabled reports whether the passthrough leg runs. Pointing shine at
// the inverter device is the documented way to disable it.
func (c *Config) ShineEnabled() bool {
	return c.Shine != "" && c.Shine != "-" && c.Shine != c.Inverter
}

// Per-leg serial settings fall back to the shared defaults.

func (c *Config) InverterBaud() int {
	if c.InvBaud != 0 {
		return c.InvBaud
	}
	return c.Baud
}

func (c *Config) InverterBytes() string {
	if c.InvBytes != "" {
		return c.InvBytes
	}
	return c.Bytes
}

func (c *Config) ShineBaudRate() int {
	if c.ShineBaud != 0 {
		return c.ShineBaud
	}
	return c.Baud
}

func (c *Config) ShineFormat() string {
	if c.ShineBytes != "" {
		return c.ShineBytes
	}
	return c.Bytes
}

func (c *Config) MinPeriodDuration() time.Duration {
	return time.Duration(c.MinPeriod * float64(time.Second))
}

func (c *Config) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout * float64(time.Second))
}

// LoadRules reads the access rules file named by RulesPath into c.Rules.
// Unknown YAML keys are rejected so a typo cannot silently allow traffic.
func (c *Config) LoadRules() error {
	if c.RulesPath == "" {
		return nil
	}
	file, err := os.Open(c.RulesPath)
	if err != nil {
		return err
	}
	defer file.Close()

	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("rules %s: %w", c.RulesPath, err)
	}
	if len(doc.Rules) == 0 {
		return fmt.Errorf("rules %s: empty rule set would deny everything", c.RulesPath)
	}
	c.Rules = doc.Rules
	return nil
}
