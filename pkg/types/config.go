package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Visibility controls who may reach a deployment through the proxy.
type Visibility string

const (
	VisibilityStandard Visibility = "standard"
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
)

// BuildBackend selects how the image for a deployment is produced.
type BuildBackend string

const (
	BackendDockerfile BuildBackend = "dockerfile"
	BackendNixpacks   BuildBackend = "nixpacks"
)

// Build is the tagged "either or" build section of prezel.json. Exactly one
// backend is set; decoding rejects unknown backends and unknown fields.
type Build struct {
	Backend        BuildBackend
	DockerfilePath string // dockerfile backend, optional
	Provider       string // nixpacks backend, optional
}

type buildWire struct {
	Backend string          `json:"backend"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type dockerfileConfig struct {
	Path *string `json:"path"`
}

type nixpacksConfig struct {
	Provider *string `json:"provider"`
}

// UnmarshalJSON decodes the {backend, config} union strictly.
func (b *Build) UnmarshalJSON(data []byte) error {
	var wire buildWire
	if err := strictDecode(data, &wire); err != nil {
		return err
	}
	switch BuildBackend(wire.Backend) {
	case BackendDockerfile:
		b.Backend = BackendDockerfile
		if len(wire.Config) > 0 {
			var cfg dockerfileConfig
			if err := strictDecode(wire.Config, &cfg); err != nil {
				return err
			}
			if cfg.Path != nil {
				b.DockerfilePath = *cfg.Path
			}
		}
	case BackendNixpacks:
		b.Backend = BackendNixpacks
		if len(wire.Config) > 0 {
			var cfg nixpacksConfig
			if err := strictDecode(wire.Config, &cfg); err != nil {
				return err
			}
			if cfg.Provider != nil {
				b.Provider = *cfg.Provider
			}
		}
	default:
		return fmt.Errorf("unknown build backend %q", wire.Backend)
	}
	return nil
}

// MarshalJSON encodes the union back to the wire shape.
func (b Build) MarshalJSON() ([]byte, error) {
	wire := buildWire{Backend: string(b.Backend)}
	switch b.Backend {
	case BackendDockerfile:
		if b.DockerfilePath != "" {
			path := b.DockerfilePath
			raw, err := json.Marshal(dockerfileConfig{Path: &path})
			if err != nil {
				return nil, err
			}
			wire.Config = raw
		}
	case BackendNixpacks:
		if b.Provider != "" {
			provider := b.Provider
			raw, err := json.Marshal(nixpacksConfig{Provider: &provider})
			if err != nil {
				return nil, err
			}
			wire.Config = raw
		}
	}
	return json.Marshal(wire)
}

// DeploymentConfig is the per-deployment configuration frozen from
// prezel.json (or <app>.prezel.json) at the deployed sha. The zero value is
// a valid config with all defaults.
type DeploymentConfig struct {
	Visibility *Visibility `json:"visibility,omitempty"`
	Build      *Build      `json:"build,omitempty"`
}

// ParseDeploymentConfig decodes a prezel.json document, rejecting unknown
// fields and unknown enum values. A config that fails to parse makes the
// deployment Failed rather than silently falling back to defaults.
func ParseDeploymentConfig(data []byte) (DeploymentConfig, error) {
	var config DeploymentConfig
	if err := strictDecode(data, &config); err != nil {
		return DeploymentConfig{}, fmt.Errorf("invalid deployment config: %w", err)
	}
	if config.Visibility != nil {
		switch *config.Visibility {
		case VisibilityStandard, VisibilityPublic, VisibilityPrivate:
		default:
			return DeploymentConfig{}, fmt.Errorf("unknown visibility %q", *config.Visibility)
		}
	}
	return config, nil
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// GetVisibility returns the effective visibility.
func (c DeploymentConfig) GetVisibility() Visibility {
	if c.Visibility != nil {
		return *c.Visibility
	}
	return VisibilityStandard
}

// ForcedDockerfile returns the Dockerfile path when the config pins the
// dockerfile backend, and whether it does.
func (c DeploymentConfig) ForcedDockerfile() (string, bool) {
	if c.Build != nil && c.Build.Backend == BackendDockerfile {
		if c.Build.DockerfilePath != "" {
			return c.Build.DockerfilePath, true
		}
		return "Dockerfile", true
	}
	return "", false
}

// ForcedNixpacks reports whether the config pins the nixpacks backend.
func (c DeploymentConfig) ForcedNixpacks() bool {
	return c.Build != nil && c.Build.Backend == BackendNixpacks
}
