package conf

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prezel/prezel/pkg/paths"
)

// Conf is the instance configuration loaded from config.json in the data
// directory. Hostname is the wildcard DNS zone this installation owns (the
// box domain), Provider is the coordinator endpoint that hands out Git
// access tokens, and Secret is the shared HS256 key for API tokens.
type Conf struct {
	Hostname      string
	Provider      string
	EncodedSecret string
	Secret        []byte
}

type storedConf struct {
	Hostname string `json:"hostname"`
	Provider string `json:"provider"`
	Secret   string `json:"secret"`
}

// Read loads the configuration from the default location.
func Read() (*Conf, error) {
	return ReadFile(paths.ConfigPath())
}

// ReadFile loads the configuration from an explicit path.
func ReadFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var stored storedConf
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	secret, err := base64.StdEncoding.DecodeString(stored.Secret)
	if err != nil {
		return nil, fmt.Errorf("secret is not valid base64: %w", err)
	}
	return &Conf{
		Hostname:      stored.Hostname,
		Provider:      stored.Provider,
		EncodedSecret: stored.Secret,
		Secret:        secret,
	}, nil
}

// APIHostname returns the hostname the management API is reachable at.
func (c *Conf) APIHostname() string {
	return fmt.Sprintf("--api--.%s", c.Hostname)
}

// WildcardDomain returns the wildcard domain covered by the default certificate.
func (c *Conf) WildcardDomain() string {
	return fmt.Sprintf("*.%s", c.Hostname)
}
