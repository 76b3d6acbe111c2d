// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/odetolakehinde/ipguard/pkg/common"
	"github.com/odetolakehinde/ipguard/pkg/policy"
)

// Config holds every recognized option. Zero values are filled from envDefault.
type Config struct {
	SecurityGroupName        string `env:"SECURITY_GROUP_NAME" envDefault:"allow_ssh" validate:"required"`
	DesiredPolicy            string `env:"DESIRED_POLICY"`
	PolicyFile               string `env:"POLICY_FILE" validate:"omitempty,file"`
	ReconcileIntervalSeconds int    `env:"RECONCILE_INTERVAL_SECONDS" envDefault:"43200" validate:"min=1"`
	CallTimeoutSeconds       int    `env:"CALL_TIMEOUT_SECONDS" envDefault:"30" validate:"min=1"`

	IPSource          string `env:"IP_SOURCE" envDefault:"http" validate:"oneof=http dns"`
	IPLookupURL       string `env:"IP_LOOKUP_URL" envDefault:"https://checkip.amazonaws.com" validate:"omitempty,url"`
	IPLookupDNSServer string `env:"IP_LOOKUP_DNS_SERVER" envDefault:"208.67.222.222:53" validate:"omitempty,hostname_port"`
	IPLookupDNSName   string `env:"IP_LOOKUP_DNS_NAME" envDefault:"myip.opendns.com" validate:"omitempty,fqdn"`

	Region          string `env:"AWS_REGION"`
	VpcID           string `env:"VPC_ID" validate:"omitempty,startswith=vpc-"`
	RuleDescription string `env:"RULE_DESCRIPTION" envDefault:"managed by ipguard" validate:"max=255"`

	MetricsAddr string `env:"METRICS_ADDR" validate:"omitempty,hostname_port"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
}

// Load parses the environment into a Config. Call Validate after applying overrides.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	return nil
}

// Interval is the pause between two reconciliation cycles.
func (c Config) Interval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// CallTimeout bounds each remote call.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// Policy returns the desired policy, read from PolicyFile when set.
// A blank DesiredPolicy falls back to the built-in ports.
func (c Config) Policy() (common.Policy, error) {
	if c.PolicyFile != "" {
		return policy.LoadFile(c.PolicyFile)
	}
	if strings.TrimSpace(c.DesiredPolicy) == "" {
		return policy.Default(), nil
	}
	return policy.Parse(c.DesiredPolicy)
}
