package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const templateHeader = `# feedctl configuration
#
# source.kind: auto | ws | tcp (auto follows the address scheme)
# session.timeout_policy: continue | abort
# session.retry_interval: "0s" disables periodic queue retries
# remote.mode: simulated | http
`

// Render encodes cfg as toml, yaml, or json.
func Render(cfg Config, format string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return toml.Marshal(cfg)
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	case "json":
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	default:
		return nil, fmt.Errorf("config: unknown format %q (toml|yaml|json)", format)
	}
}

// Template is the default config as commented TOML.
func Template() (string, error) {
	body, err := Render(Default(), "toml")
	if err != nil {
		return "", err
	}
	return templateHeader + "\n" + string(body), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
