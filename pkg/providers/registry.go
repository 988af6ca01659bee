package providers

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// RegistryConfig locates the container registry images are pushed to.
type RegistryConfig struct {
	// Endpoint is the registry host, e.g. "registry.example.com".
	Endpoint string `mapstructure:"endpoint"`

	// Namespace prefixes every repository, e.g. an organization.
	Namespace string `mapstructure:"namespace"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// PasswordFile is read on every push when Password is empty, so rotated
	// tokens are picked up.
	PasswordFile string `mapstructure:"password_file"`
}

// Registry is a static container registry.
type Registry struct {
	config RegistryConfig
}

// NewRegistry creates a registry from its configuration.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Endpoint == "" {
		return nil, engine.NewConfigurationError("registry endpoint is required", nil).WithCode(engine.ErrCodeValidation)
	}
	cfg.Endpoint = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://"), "/")
	return &Registry{config: cfg}, nil
}

// Endpoint implements engine.ContainerRegistry.
func (r *Registry) Endpoint() string {
	return r.config.Endpoint
}

// Repository implements engine.ContainerRegistry.
func (r *Registry) Repository(name string) string {
	return path.Join(r.config.Endpoint, r.config.Namespace, name)
}

// Credentials implements engine.ContainerRegistry.
func (r *Registry) Credentials(ctx context.Context) (engine.RegistryCredentials, error) {
	creds := engine.RegistryCredentials{
		Username:      r.config.Username,
		Password:      r.config.Password,
		ServerAddress: r.config.Endpoint,
	}
	if creds.Password == "" && r.config.PasswordFile != "" {
		data, err := os.ReadFile(r.config.PasswordFile)
		if err != nil {
			return engine.RegistryCredentials{}, fmt.Errorf("failed to read registry password: %w", err)
		}
		creds.Password = strings.TrimSpace(string(data))
	}
	return creds, nil
}

// BuildConfig selects the docker daemon images are built on.
type BuildConfig struct {
	Name string `mapstructure:"name"`

	// Host is a docker endpoint such as "unix:///var/run/docker.sock" or
	// "tcp://builder:2376"; empty uses DOCKER_HOST or the local socket.
	Host string `mapstructure:"host"`
}

// DockerPlatform is a build platform backed by a docker daemon.
type DockerPlatform struct {
	config BuildConfig
}

// NewDockerPlatform creates a build platform.
func NewDockerPlatform(cfg BuildConfig) *DockerPlatform {
	if cfg.Name == "" {
		cfg.Name = "docker"
	}
	return &DockerPlatform{config: cfg}
}

func (p *DockerPlatform) Name() string { return p.config.Name }
func (p *DockerPlatform) Host() string { return p.config.Host }
