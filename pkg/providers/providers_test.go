package providers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func TestNewCloudAccount(t *testing.T) {
	tests := []struct {
		name    string
		config  AccountConfig
		wantErr bool
		env     map[string]string
	}{
		{
			name: "aws static keys",
			config: AccountConfig{
				Provider: "aws", Region: "eu-west-1", AccountID: "123456789012",
				AccessKeyID: "AKIA", SecretAccessKey: "secret",
			},
			env: map[string]string{
				"AWS_REGION":            "eu-west-1",
				"AWS_DEFAULT_REGION":    "eu-west-1",
				"AWS_ACCESS_KEY_ID":     "AKIA",
				"AWS_SECRET_ACCESS_KEY": "secret",
			},
		},
		{
			name:   "aws profile",
			config: AccountConfig{Provider: "aws", Region: "us-east-1", Profile: "deploy"},
			env: map[string]string{
				"AWS_REGION":         "us-east-1",
				"AWS_DEFAULT_REGION": "us-east-1",
				"AWS_PROFILE":        "deploy",
			},
		},
		{
			name:    "aws without credentials",
			config:  AccountConfig{Provider: "aws", Region: "us-east-1"},
			wantErr: true,
		},
		{
			name: "azure service principal",
			config: AccountConfig{
				Provider: "azure", Region: "westeurope", AccountID: "sub",
				TenantID: "tenant", ClientID: "client", ClientSecret: "pw",
			},
			env: map[string]string{
				"ARM_SUBSCRIPTION_ID": "sub",
				"ARM_TENANT_ID":       "tenant",
				"ARM_CLIENT_ID":       "client",
				"ARM_CLIENT_SECRET":   "pw",
			},
		},
		{
			name:    "gcp without key file",
			config:  AccountConfig{Provider: "gcp", Region: "europe-west1", AccountID: "proj"},
			wantErr: true,
		},
		{
			name: "scaleway",
			config: AccountConfig{
				Provider: "scaleway", Region: "fr-par", AccountID: "proj",
				AccessKey: "SCW1", SecretKey: "s",
			},
			env: map[string]string{
				"SCW_ACCESS_KEY":         "SCW1",
				"SCW_SECRET_KEY":         "s",
				"SCW_DEFAULT_PROJECT_ID": "proj",
				"SCW_DEFAULT_REGION":     "fr-par",
			},
		},
		{
			name:   "on-premise",
			config: AccountConfig{Provider: "on_premise", AccountID: "dc1"},
			env:    map[string]string{},
		},
		{
			name:    "unknown provider",
			config:  AccountConfig{Provider: "openstack"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account, err := NewCloudAccount(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, engine.IsConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, engine.ProviderKind(tt.config.Provider), account.Provider())
			assert.Equal(t, tt.config.AccountID, account.AccountID())
			assert.Equal(t, tt.env, account.Environ())
		})
	}
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("rotated\n"), 0o600))

	reg, err := NewRegistry(RegistryConfig{
		Endpoint:     "https://registry.example.com/",
		Namespace:    "shop",
		Username:     "ci",
		PasswordFile: tokenFile,
	})
	require.NoError(t, err)

	assert.Equal(t, "registry.example.com", reg.Endpoint())
	assert.Equal(t, "registry.example.com/shop/api", reg.Repository("api"))

	creds, err := reg.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated", creds.Password)
	assert.Equal(t, "registry.example.com", creds.ServerAddress)

	_, err = NewRegistry(RegistryConfig{})
	assert.Error(t, err)
}

func TestDNS(t *testing.T) {
	dns, err := NewDNS(DNSConfig{Provider: "cloudflare", Domain: "apps.example.com.", Token: "cf"})
	require.NoError(t, err)

	assert.Equal(t, "apps.example.com", dns.Domain())
	assert.Equal(t, "web.staging.apps.example.com", dns.Hostname("web", "staging"))
	assert.Equal(t, "cf", dns.Environ()["CLOUDFLARE_API_TOKEN"])
	assert.Equal(t, "apps.example.com", dns.Environ()["TF_VAR_dns_domain"])

	_, err = NewDNS(DNSConfig{Provider: "cloudflare", Domain: "apps.example.com"})
	assert.Error(t, err)

	_, err = NewDNS(DNSConfig{Provider: "bind", Domain: "apps.example.com"})
	assert.True(t, engine.IsConfiguration(err))
}

func TestRedact(t *testing.T) {
	lines := Redact(map[string]string{
		"AWS_REGION":            "eu-west-1",
		"AWS_SECRET_ACCESS_KEY": "secret",
		"ARM_CLIENT_SECRET":     "",
	})
	assert.Equal(t, []string{
		"ARM_CLIENT_SECRET=",
		"AWS_REGION=eu-west-1",
		"AWS_SECRET_ACCESS_KEY=********",
	}, lines)
}

func TestRequireFields(t *testing.T) {
	require.NoError(t, requireFields("region", "eu-west-1", "account_id", "123"))

	err := requireFields("region", "eu-west-1", "account_id", "", "client_id", "")
	require.Error(t, err)
	assert.Equal(t, "account_id is required", err.Error())
}
