// Package providers holds the static collaborators steps act through: cloud
// accounts, the container registry, the DNS provider and the build platform.
// Each one is built from configured values and hands credentials to external
// tools as environment variables.
package providers

import (
	"fmt"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// AccountConfig holds the credentials of one cloud account. Which fields are
// required depends on the provider.
type AccountConfig struct {
	Provider string `mapstructure:"provider"`
	Region   string `mapstructure:"region"`

	// AccountID is the AWS account, Azure subscription, GCP project or
	// Scaleway project.
	AccountID string `mapstructure:"account_id"`

	// AWS
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Profile         string `mapstructure:"profile"`

	// Azure service principal
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// GCP service account key file
	CredentialsFile string `mapstructure:"credentials_file"`

	// Scaleway
	AccessKey      string `mapstructure:"access_key"`
	SecretKey      string `mapstructure:"secret_key"`
	OrganizationID string `mapstructure:"organization_id"`
}

// NewCloudAccount builds the account of the configured provider.
func NewCloudAccount(cfg AccountConfig) (engine.CloudAccount, error) {
	var account interface {
		engine.CloudAccount
		validate() error
	}

	switch engine.ProviderKind(cfg.Provider) {
	case engine.ProviderAWS:
		account = &AWSAccount{
			AccountNumber:   cfg.AccountID,
			DefaultRegion:   cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Profile:         cfg.Profile,
		}
	case engine.ProviderAzure:
		account = &AzureAccount{
			SubscriptionID: cfg.AccountID,
			Location:       cfg.Region,
			TenantID:       cfg.TenantID,
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
		}
	case engine.ProviderGCP:
		account = &GCPAccount{
			Project:         cfg.AccountID,
			DefaultRegion:   cfg.Region,
			CredentialsFile: cfg.CredentialsFile,
		}
	case engine.ProviderScaleway:
		account = &ScalewayAccount{
			ProjectID:      cfg.AccountID,
			OrganizationID: cfg.OrganizationID,
			DefaultRegion:  cfg.Region,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
		}
	case engine.ProviderOnPremise:
		account = &OnPremiseAccount{Site: cfg.AccountID, Location: cfg.Region}
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown provider %q", cfg.Provider), nil).
			WithCode(engine.ErrCodeUnsupported)
	}

	if err := account.validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid cloud account", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("provider", cfg.Provider)
	}
	return account, nil
}

// requireFields takes name, value pairs and reports the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

func setIf(env map[string]string, key, value string) {
	if value != "" {
		env[key] = value
	}
}

// AWSAccount authenticates with static keys or a named profile.
type AWSAccount struct {
	AccountNumber   string
	DefaultRegion   string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
}

func (a *AWSAccount) Provider() engine.ProviderKind { return engine.ProviderAWS }
func (a *AWSAccount) Region() string                { return a.DefaultRegion }
func (a *AWSAccount) AccountID() string             { return a.AccountNumber }

// Environ implements engine.CloudAccount.
func (a *AWSAccount) Environ() map[string]string {
	env := map[string]string{
		"AWS_REGION":         a.DefaultRegion,
		"AWS_DEFAULT_REGION": a.DefaultRegion,
	}
	setIf(env, "AWS_ACCESS_KEY_ID", a.AccessKeyID)
	setIf(env, "AWS_SECRET_ACCESS_KEY", a.SecretAccessKey)
	setIf(env, "AWS_SESSION_TOKEN", a.SessionToken)
	setIf(env, "AWS_PROFILE", a.Profile)
	return env
}

func (a *AWSAccount) validate() error {
	if err := requireFields("region", a.DefaultRegion); err != nil {
		return err
	}
	if a.Profile != "" {
		return nil
	}
	return requireFields("access_key_id", a.AccessKeyID, "secret_access_key", a.SecretAccessKey)
}

// AzureAccount authenticates with a service principal.
type AzureAccount struct {
	SubscriptionID string
	Location       string
	TenantID       string
	ClientID       string
	ClientSecret   string
}

func (a *AzureAccount) Provider() engine.ProviderKind { return engine.ProviderAzure }
func (a *AzureAccount) Region() string                { return a.Location }
func (a *AzureAccount) AccountID() string             { return a.SubscriptionID }

// Environ implements engine.CloudAccount.
func (a *AzureAccount) Environ() map[string]string {
	return map[string]string{
		"ARM_SUBSCRIPTION_ID": a.SubscriptionID,
		"ARM_TENANT_ID":       a.TenantID,
		"ARM_CLIENT_ID":       a.ClientID,
		"ARM_CLIENT_SECRET":   a.ClientSecret,
	}
}

func (a *AzureAccount) validate() error {
	return requireFields("account_id", a.SubscriptionID, "region", a.Location, "tenant_id", a.TenantID, "client_id", a.ClientID, "client_secret", a.ClientSecret)
}

// GCPAccount authenticates with a service account key file.
type GCPAccount struct {
	Project         string
	DefaultRegion   string
	CredentialsFile string
}

func (a *GCPAccount) Provider() engine.ProviderKind { return engine.ProviderGCP }
func (a *GCPAccount) Region() string                { return a.DefaultRegion }
func (a *GCPAccount) AccountID() string             { return a.Project }

// Environ implements engine.CloudAccount.
func (a *GCPAccount) Environ() map[string]string {
	return map[string]string{
		"GOOGLE_PROJECT":                 a.Project,
		"GOOGLE_REGION":                  a.DefaultRegion,
		"CLOUDSDK_CORE_PROJECT":          a.Project,
		"GOOGLE_APPLICATION_CREDENTIALS": a.CredentialsFile,
	}
}

func (a *GCPAccount) validate() error {
	return requireFields("account_id", a.Project, "region", a.DefaultRegion, "credentials_file", a.CredentialsFile)
}

// ScalewayAccount authenticates with an API key pair.
type ScalewayAccount struct {
	ProjectID      string
	OrganizationID string
	DefaultRegion  string
	AccessKey      string
	SecretKey      string
}

func (a *ScalewayAccount) Provider() engine.ProviderKind { return engine.ProviderScaleway }
func (a *ScalewayAccount) Region() string                { return a.DefaultRegion }
func (a *ScalewayAccount) AccountID() string             { return a.ProjectID }

// Environ implements engine.CloudAccount.
func (a *ScalewayAccount) Environ() map[string]string {
	env := map[string]string{
		"SCW_ACCESS_KEY":         a.AccessKey,
		"SCW_SECRET_KEY":         a.SecretKey,
		"SCW_DEFAULT_PROJECT_ID": a.ProjectID,
		"SCW_DEFAULT_REGION":     a.DefaultRegion,
	}
	setIf(env, "SCW_DEFAULT_ORGANIZATION_ID", a.OrganizationID)
	return env
}

func (a *ScalewayAccount) validate() error {
	return requireFields("account_id", a.ProjectID, "region", a.DefaultRegion, "access_key", a.AccessKey, "secret_key", a.SecretKey)
}

// OnPremiseAccount carries no credentials; on-premise tools run on the
// bastion host with whatever access it has.
type OnPremiseAccount struct {
	Site     string
	Location string
}

func (a *OnPremiseAccount) Provider() engine.ProviderKind { return engine.ProviderOnPremise }
func (a *OnPremiseAccount) Region() string                { return a.Location }
func (a *OnPremiseAccount) AccountID() string             { return a.Site }
func (a *OnPremiseAccount) Environ() map[string]string    { return map[string]string{} }
func (a *OnPremiseAccount) validate() error               { return nil }
