package providers

import (
	"fmt"
	"strings"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// DNSConfig configures the provider publishing router and addon records.
type DNSConfig struct {
	// Provider is one of route53, cloudflare, azure, google or scaleway.
	Provider string `mapstructure:"provider"`

	// Domain is the managed zone, e.g. "apps.example.com".
	Domain string `mapstructure:"domain"`

	ZoneID string `mapstructure:"zone_id"`
	Token  string `mapstructure:"token"`
}

// DNS is a static DNS provider.
type DNS struct {
	config DNSConfig
}

// NewDNS creates a DNS provider from its configuration.
func NewDNS(cfg DNSConfig) (*DNS, error) {
	switch cfg.Provider {
	case "route53", "azure", "google", "scaleway":
	case "cloudflare":
		if cfg.Token == "" {
			return nil, engine.NewConfigurationError("cloudflare DNS requires a token", nil).WithCode(engine.ErrCodeValidation)
		}
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown DNS provider %q", cfg.Provider), nil).
			WithCode(engine.ErrCodeUnsupported)
	}
	if cfg.Domain == "" {
		return nil, engine.NewConfigurationError("DNS domain is required", nil).WithCode(engine.ErrCodeValidation)
	}
	cfg.Domain = strings.TrimSuffix(cfg.Domain, ".")
	return &DNS{config: cfg}, nil
}

func (d *DNS) Name() string   { return d.config.Provider }
func (d *DNS) Domain() string { return d.config.Domain }

// Environ implements engine.DNSProvider. Terraform modules read the domain
// from TF_VAR_dns_domain; the remaining variables follow each provider's
// own conventions.
func (d *DNS) Environ() map[string]string {
	env := map[string]string{
		"TF_VAR_dns_domain": d.config.Domain,
	}
	switch d.config.Provider {
	case "cloudflare":
		env["CLOUDFLARE_API_TOKEN"] = d.config.Token
		setIf(env, "CLOUDFLARE_ZONE_ID", d.config.ZoneID)
	case "route53":
		setIf(env, "TF_VAR_dns_zone_id", d.config.ZoneID)
	default:
		setIf(env, "TF_VAR_dns_zone_id", d.config.ZoneID)
		setIf(env, "TF_VAR_dns_token", d.config.Token)
	}
	return env
}

// Hostname returns the record name of a router in an environment.
func (d *DNS) Hostname(router, environment string) string {
	return fmt.Sprintf("%s.%s.%s", router, environment, d.config.Domain)
}
