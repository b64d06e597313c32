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

// Package controllers hands out per-user controller actors and routes
// alarm fires to them.
package controllers

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/kiloclaw/kiloclaw/pkg/controllers/app"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/registry"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

// Options aggregates the per-controller options.
type Options struct {
	App      app.Options
	Instance instance.Options
}

// AddFlags registers controller flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	o.App.AddFlags(f)
	o.Instance.AddFlags(f)
}

// Alarms is the scheduler surface the manager and controllers consume.
type Alarms interface {
	app.Alarms
}

// Manager owns the per-user controller instances.  Controllers are
// pinned for the life of the process: the actor lock lives inside the
// controller, so handing out two instances for one user would break the
// per-user serialization guarantee.
type Manager struct {
	options *Options
	secrets *instance.Secrets
	compute *fly.Client
	store   *store.Store
	alarms  Alarms
	reg     registry.Reader

	mutex     sync.Mutex
	apps      map[string]*app.Controller
	instances map[string]*instance.Controller
}

// New returns a controller manager.  The registry reader may be nil to
// disable restore-from-registry.
func New(options *Options, secrets *instance.Secrets, compute *fly.Client, s *store.Store, alarms Alarms, reg registry.Reader) *Manager {
	return &Manager{
		options:   options,
		secrets:   secrets,
		compute:   compute,
		store:     s,
		alarms:    alarms,
		reg:       reg,
		apps:      map[string]*app.Controller{},
		instances: map[string]*instance.Controller{},
	}
}

// App returns the user's app controller, creating it on first use.
func (m *Manager) App(userID string) *app.Controller {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.appLocked(userID)
}

func (m *Manager) appLocked(userID string) *app.Controller {
	if controller, ok := m.apps[userID]; ok {
		return controller
	}

	controller := app.New(userID, &m.options.App, m.compute, m.store, m.alarms)
	m.apps[userID] = controller

	return controller
}

// Instance returns the user's instance controller, creating it on first
// use.
func (m *Manager) Instance(userID string) *instance.Controller {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if controller, ok := m.instances[userID]; ok {
		return controller
	}

	controller := instance.New(userID, &m.options.Instance, m.secrets, m.compute, m.appLocked(userID), m.store, m.alarms, m.reg)
	m.instances[userID] = controller

	return controller
}

// HandleAlarm routes a fired alarm to the controller its key names.
// It is the alarm scheduler's handler.
func (m *Manager) HandleAlarm(ctx context.Context, key string) {
	switch {
	case strings.HasPrefix(key, "app/"):
		m.App(strings.TrimPrefix(key, "app/")).HandleAlarm(ctx)
	case strings.HasPrefix(key, "instance/"):
		m.Instance(strings.TrimPrefix(key, "instance/")).HandleAlarm(ctx)
	default:
		logr.FromContextOrDiscard(ctx).Info("alarm with unknown key, dropping", "key", key)
	}
}
