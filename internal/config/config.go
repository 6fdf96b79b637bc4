package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"expedientes/internal/domain"
)

const (
	UnitBusiness = "business"
	UnitCalendar = "calendar"

	holidayLayout = "2006-01-02"
)

// Config models expedientes.yml.
type Config struct {
	School struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"school" json:"school"`
	Deadlines struct {
		Unit    string                  `yaml:"unit" json:"unit"`
		Windows map[domain.Severity]int `yaml:"windows" json:"windows"`
	} `yaml:"deadlines" json:"deadlines"`
	Mediation struct {
		Unit       string `yaml:"unit" json:"unit"`
		WindowDays int    `yaml:"window_days" json:"window_days"`
	} `yaml:"mediation" json:"mediation"`
	Calendar struct {
		Weekend  []string `yaml:"weekend" json:"weekend"`
		Holidays []string `yaml:"holidays" json:"holidays"`
	} `yaml:"calendar" json:"calendar"`
	Engine struct {
		CollaboratorTimeout string `yaml:"collaborator_timeout" json:"collaborator_timeout"`
	} `yaml:"engine" json:"engine"`
	Timeline struct {
		DefaultLimit int `yaml:"default_limit" json:"default_limit"`
		MaxLimit     int `yaml:"max_limit" json:"max_limit"`
	} `yaml:"timeline" json:"timeline"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config %s not found; create one with exp config init", path)
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.School.ID == "" {
		return fmt.Errorf("config.school.id is required")
	}
	if err := validateUnit("deadlines.unit", c.Deadlines.Unit); err != nil {
		return err
	}
	if c.Deadlines.Windows == nil {
		return fmt.Errorf("config.deadlines.windows is required")
	}
	for sev, days := range c.Deadlines.Windows {
		if !sev.IsValid() {
			return fmt.Errorf("deadlines.windows has unknown severity %s", sev)
		}
		if days < 0 {
			return fmt.Errorf("deadline window for %s must not be negative", sev)
		}
	}
	for _, sev := range domain.Severities {
		if _, ok := c.Deadlines.Windows[sev]; !ok {
			return fmt.Errorf("deadlines.windows missing severity %s", sev)
		}
	}
	if err := validateUnit("mediation.unit", c.Mediation.Unit); err != nil {
		return err
	}
	if c.Mediation.WindowDays < 0 {
		return fmt.Errorf("mediation.window_days must not be negative")
	}
	rest := map[time.Weekday]bool{}
	for _, day := range c.Calendar.Weekend {
		d, ok := ParseWeekday(day)
		if !ok {
			return fmt.Errorf("calendar.weekend has unknown weekday %s", day)
		}
		rest[d] = true
	}
	if len(rest) == 7 {
		return fmt.Errorf("calendar.weekend leaves no working weekday")
	}
	for _, h := range c.Calendar.Holidays {
		if _, err := time.Parse(holidayLayout, h); err != nil {
			return fmt.Errorf("calendar.holidays entry %q is not YYYY-MM-DD", h)
		}
	}
	if c.Engine.CollaboratorTimeout != "" {
		d, err := time.ParseDuration(c.Engine.CollaboratorTimeout)
		if err != nil {
			return fmt.Errorf("engine.collaborator_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("engine.collaborator_timeout must be positive")
		}
	}
	if c.Timeline.DefaultLimit < 0 || c.Timeline.MaxLimit < 0 {
		return fmt.Errorf("timeline limits must not be negative")
	}
	if c.Timeline.MaxLimit > 0 && c.Timeline.DefaultLimit > c.Timeline.MaxLimit {
		return fmt.Errorf("timeline.default_limit exceeds timeline.max_limit")
	}
	return nil
}

func validateUnit(field, unit string) error {
	switch unit {
	case "", UnitBusiness, UnitCalendar:
		return nil
	}
	return fmt.Errorf("config.%s must be %q or %q", field, UnitBusiness, UnitCalendar)
}

// CollaboratorTimeout returns the per-call timeout for persistence, audit and calendar calls.
func (c *Config) CollaboratorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Engine.CollaboratorTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// HolidayDates returns the configured holidays as UTC midnights.
func (c *Config) HolidayDates() []time.Time {
	var out []time.Time
	for _, h := range c.Calendar.Holidays {
		if t, err := time.Parse(holidayLayout, h); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// WeekendDays returns the configured non-working weekdays, Saturday and Sunday when unset.
func (c *Config) WeekendDays() []time.Weekday {
	if len(c.Calendar.Weekend) == 0 {
		return []time.Weekday{time.Saturday, time.Sunday}
	}
	var out []time.Weekday
	for _, name := range c.Calendar.Weekend {
		if d, ok := ParseWeekday(name); ok {
			out = append(out, d)
		}
	}
	return out
}

// ParseWeekday accepts English weekday names, case-insensitive.
func ParseWeekday(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(name)) {
			return d, true
		}
	}
	return 0, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "expedientes.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(schoolID string) string {
	return fmt.Sprintf(defaultTemplate, schoolID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a school.
func Default(schoolID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(schoolID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Windows are business days from the start of the case. Adjust to the
// regulation in force; more severe classifications get shorter windows.
const defaultTemplate = `school:
  id: %s
  name: ""

deadlines:
  unit: business
  windows:
    LEVE: 20
    RELEVANTE: 15
    GRAVE: 12
    GRAVISIMA_EXPULSION: 10

mediation:
  unit: business
  window_days: 10

calendar:
  weekend: [Saturday, Sunday]
  holidays: []

engine:
  collaborator_timeout: 5s

timeline:
  default_limit: 50
  max_limit: 500
`
