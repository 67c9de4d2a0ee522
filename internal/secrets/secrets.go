package secrets

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Provider interface {
	GetSecret(name string) (string, bool)
}

// Chain resolves a secret from the environment first, then the secrets file,
// then the plain config values it was built with.
type Chain struct {
	file     map[string]string
	fallback map[string]string
}

func envName(name string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))
}

// NewChain loads path (a flat YAML map) when set. A missing file is not an error.
func NewChain(path string, fallback map[string]string) (*Chain, error) {
	c := &Chain{file: map[string]string{}, fallback: fallback}
	if strings.TrimSpace(path) == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.file); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return c, nil
}

func (c *Chain) GetSecret(name string) (string, bool) {
	if v, ok := os.LookupEnv(envName(name)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	if v := strings.TrimSpace(c.file[name]); v != "" {
		return v, true
	}
	if v := strings.TrimSpace(c.fallback[name]); v != "" {
		return v, true
	}
	return "", false
}
