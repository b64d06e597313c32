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

// Package app manages the per-user provider application: the isolated
// network namespace, its public addresses and the per-app envelope
// encryption key.  One controller per user, all operations serialized.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/pflag"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

var (
	// ErrUserMismatch is raised when a controller bound to one user is
	// invoked for another.  That's a routing bug, never retryable.
	ErrUserMismatch = errors.New("controller bound to a different user")
)

// retryInterval is how far out the self-heal alarm is armed after a failed
// ensure step.
const retryInterval = time.Minute

//nolint:gochecknoglobals
var ensureResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kiloclaw_app_ensure_total",
	Help: "Application ensure outcomes.",
}, []string{"result"})

// Compute is the slice of the provider client the app controller needs.
type Compute interface {
	CreateApp(ctx context.Context, appName, userID string) error
	GetApp(ctx context.Context, appName string) (*fly.App, error)
	DeleteApp(ctx context.Context, appName string) error
	AllocateIP(ctx context.Context, appName string, ipType fly.IPType) error
	SetSecret(ctx context.Context, appName, name, value string) (*fly.SetSecretResponse, error)
}

// Alarms is the slice of the alarm scheduler the app controller needs.
type Alarms interface {
	Arm(ctx context.Context, key string, base time.Duration) error
	Cancel(ctx context.Context, key string) error
}

// Record is the persisted application state.  Step flags make every ensure
// pass idempotent: a crash between any two steps resumes where it left off.
type Record struct {
	UserID        string `json:"userId"`
	AppName       string `json:"appName"`
	IPv6Allocated bool   `json:"ipv6Allocated"`
	IPv4Allocated bool   `json:"ipv4Allocated"`

	// EnvKey is persisted before it is published so concurrent callers
	// reuse one key; EnvKeySet only flips once the provider confirms it.
	EnvKey    string `json:"envKey"`
	EnvKeySet bool   `json:"envKeySet"`
}

// setupComplete reports whether every ensure step has finished.
func (r *Record) setupComplete() bool {
	return r.AppName != "" && r.IPv6Allocated && r.IPv4Allocated && r.EnvKeySet
}

// Options configures app controllers.
type Options struct {
	// AppNamePrefix is the environment-specific app name prefix, e.g.
	// "dev-" or "acct-".
	AppNamePrefix string
}

// AddFlags registers app controller flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.AppNamePrefix, "app-name-prefix", "dev-", "Environment-specific provider app name prefix.")
}

// EnsureResult is returned by EnsureApp.
type EnsureResult struct {
	// AppName is the user's provider application name.
	AppName string
}

// EnvKeyResult is returned by EnsureEnvKey.
type EnvKeyResult struct {
	// Key is the base64 env key.
	Key string

	// SecretsVersion is the app secrets version after publishing the
	// key; machine create/update passes it as min_secrets_version so the
	// machine doesn't boot before the secret propagates.
	SecretsVersion int64
}

// AlarmKey returns the scheduler slot for a user's app controller.
func AlarmKey(userID string) string {
	return "app/" + userID
}

// Controller serializes all application work for one user.
type Controller struct {
	userID  string
	options *Options
	compute Compute
	store   *store.Store
	alarms  Alarms

	// mutex is the actor lock: public operations and the alarm handler
	// are mutually exclusive.
	mutex sync.Mutex
}

// New returns the controller for a user.
func New(userID string, options *Options, compute Compute, s *store.Store, alarms Alarms) *Controller {
	return &Controller{
		userID:  userID,
		options: options,
		compute: compute,
		store:   s,
		alarms:  alarms,
	}
}

// load reads the record, applying the corrupt-record fail-safe: a record
// that won't parse is logged and treated as fresh, because the alternative
// is wedging the user forever and every field is rediscoverable.
func (c *Controller) load(ctx context.Context) (*Record, error) {
	record := &Record{}

	found, err := c.store.Get(ctx, store.AppKey(c.userID), record)
	if err != nil {
		if !found {
			return nil, err
		}

		logr.FromContextOrDiscard(ctx).Error(err, "corrupt app record, starting fresh", "user", c.userID)

		return &Record{}, nil
	}

	return record, nil
}

func (c *Controller) save(ctx context.Context, record *Record) error {
	return c.store.Put(ctx, store.AppKey(c.userID), record)
}

// checkUser enforces the immutable user binding.
func (c *Controller) checkUser(record *Record, userID string) error {
	if userID != c.userID {
		return fmt.Errorf("%w: bound %s, called %s", ErrUserMismatch, c.userID, userID)
	}

	if record.UserID != "" && record.UserID != userID {
		return fmt.Errorf("%w: record %s, called %s", ErrUserMismatch, record.UserID, userID)
	}

	return nil
}

// EnsureApp brings the user's application to its fully set up state:
// created, both address families allocated, env key published.  Idempotent;
// on failure a retry alarm is armed a minute out before the error
// propagates, so repair continues without the caller.
func (c *Controller) EnsureApp(ctx context.Context, userID string) (*EnsureResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	result, err := c.ensureApp(ctx, userID)
	if err != nil {
		ensureResults.WithLabelValues("error").Inc()

		if errors.Is(err, ErrUserMismatch) {
			return nil, err
		}

		if armErr := c.alarms.Arm(ctx, AlarmKey(c.userID), retryInterval); armErr != nil {
			logr.FromContextOrDiscard(ctx).Error(armErr, "failed to arm app retry alarm", "user", c.userID)
		}

		return nil, err
	}

	ensureResults.WithLabelValues("ok").Inc()

	return result, nil
}

func (c *Controller) ensureApp(ctx context.Context, userID string) (*EnsureResult, error) {
	log := logr.FromContextOrDiscard(ctx)

	record, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.checkUser(record, userID); err != nil {
		return nil, err
	}

	if record.UserID == "" {
		// Bind identity and derive the name before anything remote
		// happens, so every retry computes the same app.
		record.UserID = userID
		record.AppName = crypto.DeriveAppName(c.options.AppNamePrefix, userID)

		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	if _, err := c.compute.GetApp(ctx, record.AppName); err != nil {
		if !fly.IsNotFound(err) {
			return nil, err
		}

		log.Info("creating app", "user", userID, "app", record.AppName)

		if err := c.compute.CreateApp(ctx, record.AppName, userID); err != nil {
			return nil, err
		}
	}

	if !record.IPv6Allocated {
		if err := c.compute.AllocateIP(ctx, record.AppName, fly.IPTypeV6); err != nil {
			return nil, err
		}

		record.IPv6Allocated = true

		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	if !record.IPv4Allocated {
		if err := c.compute.AllocateIP(ctx, record.AppName, fly.IPTypeSharedV4); err != nil {
			return nil, err
		}

		record.IPv4Allocated = true

		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	if !record.EnvKeySet {
		if _, err := c.ensureEnvKey(ctx, record); err != nil {
			return nil, err
		}
	}

	return &EnsureResult{AppName: record.AppName}, nil
}

// EnsureEnvKey returns the app's env key, generating and publishing it on
// first use.  The key is always re-published: the call is idempotent and
// self-heals an externally deleted secret.
func (c *Controller) EnsureEnvKey(ctx context.Context, userID string) (*EnvKeyResult, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.checkUser(record, userID); err != nil {
		return nil, err
	}

	if record.AppName == "" {
		record.UserID = userID
		record.AppName = crypto.DeriveAppName(c.options.AppNamePrefix, userID)

		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	return c.ensureEnvKey(ctx, record)
}

// ensureEnvKey requires the caller to hold the lock and have bound the
// record.
func (c *Controller) ensureEnvKey(ctx context.Context, record *Record) (*EnvKeyResult, error) {
	if record.EnvKey == "" {
		key, err := crypto.GenerateEnvKey()
		if err != nil {
			return nil, err
		}

		record.EnvKey = key
		record.EnvKeySet = false

		// Persisting before the publish is the interleaving-safety
		// guarantee: any later caller sees a non-nil key and reuses it
		// rather than minting a second one.
		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	response, err := c.compute.SetSecret(ctx, record.AppName, constants.EnvKeySecretName, record.EnvKey)
	if err != nil {
		return nil, err
	}

	if !record.EnvKeySet {
		record.EnvKeySet = true

		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	return &EnvKeyResult{Key: record.EnvKey, SecretsVersion: response.Version}, nil
}

// DestroyApp deletes the remote application and wipes the record.  Only
// used at account deletion; instance destroy leaves the app in place.
func (c *Controller) DestroyApp(ctx context.Context, userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return err
	}

	if err := c.checkUser(record, userID); err != nil {
		return err
	}

	if record.AppName != "" {
		if err := c.compute.DeleteApp(ctx, record.AppName); err != nil && !fly.IsNotFound(err) {
			return err
		}
	}

	if err := c.alarms.Cancel(ctx, AlarmKey(c.userID)); err != nil {
		return err
	}

	return c.store.Delete(ctx, store.AppKey(c.userID))
}

// HandleAlarm is the retry alarm handler: while setup is incomplete it
// re-runs the ensure flow, which arms the next retry itself on failure.
func (c *Controller) HandleAlarm(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)

	c.mutex.Lock()
	record, err := c.load(ctx)
	c.mutex.Unlock()

	if err != nil {
		log.Error(err, "app alarm load failed", "user", c.userID)

		return
	}

	if record.UserID == "" || record.AppName == "" || record.setupComplete() {
		return
	}

	log.Info("reconcile", "reason", "app setup incomplete", "action", "ensure", "user", c.userID)

	if _, err := c.EnsureApp(ctx, record.UserID); err != nil {
		log.Error(err, "app ensure retry failed", "user", c.userID)
	}
}
