package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/quietloudlab/designmewithme/pkg/logger"
	"github.com/quietloudlab/designmewithme/pkg/policy"
	"github.com/quietloudlab/designmewithme/pkg/style"
)

// Providers the server knows how to build a generator for.
const (
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

// Duration is a time.Duration written as a Go duration string in TOML
// ("90s", "30m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	ListenAddr string `toml:"listen"`

	// Provider selects the generator: "ollama" or "gemini".
	Provider string `toml:"provider"`

	// Upstream Ollama URL (e.g., "http://localhost:11434"). Unused for gemini.
	UpstreamURL string `toml:"upstream"`

	// Model is the upstream model name.
	Model string `toml:"model"`

	// Temperature is forwarded to ollama when set.
	Temperature *float64 `toml:"temperature"`

	// APIKey authenticates against gemini.
	APIKey string `toml:"api_key"`

	// DBPath is the path to the SQLite database file.
	// Empty keeps conversation history in memory.
	DBPath string `toml:"db"`

	// PolicyPath points at an allowlist TOML file. Empty uses the built-in
	// chat widget policy.
	PolicyPath string `toml:"policy"`

	RunTimeout      Duration `toml:"run_timeout"`
	PollInterval    Duration `toml:"poll_interval"`
	MaxPollInterval Duration `toml:"max_poll_interval"`

	// SessionTTL is how long an idle session is kept. The janitor checks
	// every SweepInterval.
	SessionTTL    Duration `toml:"session_ttl"`
	SweepInterval Duration `toml:"sweep_interval"`

	Debug     bool          `toml:"debug"`
	LogFormat logger.Format `toml:"log_format"`

	// Baseline is the style every session starts from and returns to on
	// reset, keyed by selector then property.
	Baseline style.Snapshot `toml:"baseline"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		Provider:        ProviderOllama,
		UpstreamURL:     "http://localhost:11434",
		Model:           "llama3.2",
		RunTimeout:      Duration{90 * time.Second},
		PollInterval:    Duration{250 * time.Millisecond},
		MaxPollInterval: Duration{2 * time.Second},
		SessionTTL:      Duration{30 * time.Minute},
		SweepInterval:   Duration{time.Minute},
		LogFormat:       logger.FormatConsole,
		Baseline:        style.Snapshot{},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are an
// error.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return config, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch c.Provider {
	case ProviderOllama:
		if c.UpstreamURL == "" {
			errs = append(errs, errors.New("upstream URL is required for ollama"))
		}
	case ProviderGemini:
		if c.APIKey == "" {
			errs = append(errs, errors.New("api key is required for gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	switch c.LogFormat {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.SessionTTL.Duration <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.SweepInterval.Duration <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	return errors.Join(errs...)
}

// checkBaseline holds the configured baseline to the same allowlist as
// assistant changes, since it ends up in every session's stylesheet.
func checkBaseline(pol *policy.Policy, baseline style.Snapshot) error {
	selectors := make([]string, 0, len(baseline))
	for sel := range baseline {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	var errs []error
	for _, sel := range selectors {
		props := baseline[sel]
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			switch {
			case !pol.Allows(sel, name):
				errs = append(errs, fmt.Errorf("baseline %q property %q: %s", sel, name, policy.ReasonPropertyNotPermitted))
			case !pol.AllowsValue(props[name]):
				errs = append(errs, fmt.Errorf("baseline %q property %q: %s", sel, name, policy.ReasonValueNotPermitted))
			}
		}
	}
	return errors.Join(errs...)
}
