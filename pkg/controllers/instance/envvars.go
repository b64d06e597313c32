/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package instance

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
)

//nolint:gochecknoglobals
var envNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// channelEnvNames maps pairing channels to the fixed environment variable
// each bot token materializes under.  Unknown channels are rejected at
// validation time.
//
//nolint:gochecknoglobals
var channelEnvNames = map[string]string{
	"telegram":  "TELEGRAM_BOT_TOKEN",
	"discord":   "DISCORD_BOT_TOKEN",
	"slack":     "SLACK_BOT_TOKEN",
	"slack_app": "SLACK_APP_TOKEN",
}

// ValidateUserEnvName is the single authoritative validator for a
// caller-supplied environment variable name.  It enforces the POSIX name
// shape and rejects the reserved prefixes so user input can never shadow
// the encrypted-value namespace or the worker's own variables.
func ValidateUserEnvName(name string) error {
	if !envNameRegex.MatchString(name) {
		return fmt.Errorf("%w: env var name %q is not a valid identifier", ErrInvalidArgument, name)
	}

	for _, prefix := range []string{constants.EncryptedEnvPrefix, constants.ReservedEnvPrefix} {
		if strings.HasPrefix(name, prefix) {
			return fmt.Errorf("%w: env var name %q uses reserved prefix %s", ErrInvalidArgument, name, prefix)
		}
	}

	return nil
}

// validateConfig checks all caller-supplied names synchronously, before
// anything is persisted.  Failures are aggregated so the caller sees
// every bad name in one round trip.
func validateConfig(config *Config) error {
	var errs error

	for name := range config.EnvVars {
		errs = multierr.Append(errs, ValidateUserEnvName(name))
	}

	for name := range config.EncryptedSecrets {
		errs = multierr.Append(errs, ValidateUserEnvName(name))
	}

	for channel := range config.Channels {
		if _, ok := channelEnvNames[channel]; !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: unknown channel %q", ErrInvalidArgument, channel))
		}
	}

	return errs
}

// buildEnv materializes the machine environment from the record.  Layers
// are applied in precedence order, later layers winning, except the
// reserved system variables which nothing may override.  Sensitive values
// are sealed with the app env key and shipped under the encrypted-value
// prefix; the machine-side reader decrypts and restores the original name.
func (c *Controller) buildEnv(record *Record, envKey string) (map[string]string, error) {
	plain := map[string]string{}
	sensitive := map[string]string{}

	for name, value := range c.options.PlatformEnv {
		plain[name] = value
	}

	for name, value := range record.EnvVars {
		if err := ValidateUserEnvName(name); err != nil {
			return nil, err
		}

		plain[name] = value
	}

	for name, envelope := range record.EncryptedSecrets {
		value, err := crypto.OpenEnvelope(c.secrets.EnvelopeKey, envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to open secret %s: %w", name, err)
		}

		sensitive[name] = value
	}

	for channel, envelope := range record.Channels {
		name, ok := channelEnvNames[channel]
		if !ok {
			return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidArgument, channel)
		}

		value, err := crypto.OpenEnvelope(c.secrets.EnvelopeKey, envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to open channel token %s: %w", channel, err)
		}

		sensitive[name] = value
	}

	if record.KilocodeAPIKey != "" {
		sensitive["KILOCODE_API_KEY"] = record.KilocodeAPIKey
	}

	if record.KilocodeDefaultModel != "" {
		plain["KILOCODE_DEFAULT_MODEL"] = record.KilocodeDefaultModel
	}

	if len(record.KilocodeModels) != 0 {
		plain["KILOCODE_MODELS"] = strings.Join(record.KilocodeModels, ",")
	}

	// System variables win over everything above.
	sensitive["OPENCLAW_GATEWAY_TOKEN"] = crypto.GatewayToken(c.secrets.GatewayHMACSecret, record.SandboxID)
	delete(plain, "OPENCLAW_GATEWAY_TOKEN")

	plain["AUTO_APPROVE_DEVICES"] = "true"
	delete(sensitive, "AUTO_APPROVE_DEVICES")

	env := map[string]string{}

	for name, value := range plain {
		env[name] = value
	}

	for name, value := range sensitive {
		sealed, err := crypto.SealEnvValue(envKey, value)
		if err != nil {
			return nil, fmt.Errorf("failed to seal %s: %w", name, err)
		}

		delete(env, name)
		env[constants.EncryptedEnvPrefix+name] = sealed
	}

	return env, nil
}
