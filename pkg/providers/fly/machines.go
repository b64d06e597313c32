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

package fly

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Machine states as reported by the provider.
const (
	MachineStateCreated    = "created"
	MachineStateStarting   = "starting"
	MachineStateStarted    = "started"
	MachineStateStopping   = "stopping"
	MachineStateStopped    = "stopped"
	MachineStateSuspended  = "suspended"
	MachineStateDestroying = "destroying"
	MachineStateDestroyed  = "destroyed"
)

// Machine is a provider machine, the unit of execution.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
	//nolint:tagliatelle
	InstanceID string         `json:"instance_id"`
	Config     *MachineConfig `json:"config,omitempty"`
	//nolint:tagliatelle
	CreatedAt time.Time `json:"created_at"`
	//nolint:tagliatelle
	UpdatedAt time.Time `json:"updated_at"`
}

// MachineConfig is the machine's desired configuration.
type MachineConfig struct {
	Image    string            `json:"image"`
	Env      map[string]string `json:"env,omitempty"`
	Guest    *MachineGuest     `json:"guest,omitempty"`
	Services []MachineService  `json:"services,omitempty"`
	Mounts   []MachineMount    `json:"mounts,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MachineGuest sizes the virtual machine.
type MachineGuest struct {
	CPUs int `json:"cpus"`
	//nolint:tagliatelle
	MemoryMB int `json:"memory_mb"`
	//nolint:tagliatelle
	CPUKind string `json:"cpu_kind"`
}

// MachineService exposes a guest port.
type MachineService struct {
	//nolint:tagliatelle
	InternalPort int                  `json:"internal_port"`
	Protocol     string               `json:"protocol"`
	Ports        []MachineServicePort `json:"ports,omitempty"`
	Autostart    *bool                `json:"autostart,omitempty"`
	Autostop     *bool                `json:"autostop,omitempty"`
}

// MachineServicePort maps an edge port onto the service.
type MachineServicePort struct {
	Port     int      `json:"port"`
	Handlers []string `json:"handlers,omitempty"`
}

// MachineMount attaches a volume into the guest filesystem.
type MachineMount struct {
	Volume string `json:"volume"`
	Path   string `json:"path"`
}

// CreateMachineOptions carry placement and launch options distinct from the
// machine config itself.
type CreateMachineOptions struct {
	// Name is the machine name, unique within the app.
	Name string

	// Region is the placement region.  Empty lets the provider choose,
	// though in practice the volume pins placement anyway.
	Region string

	// SkipLaunch creates the machine without starting it.
	SkipLaunch bool

	// MinSecretsVersion makes the machine wait for app secrets to reach
	// at least this version before booting.
	MinSecretsVersion int64
}

type createMachineRequest struct {
	Name   string        `json:"name,omitempty"`
	Region string        `json:"region,omitempty"`
	Config MachineConfig `json:"config"`
	//nolint:tagliatelle
	SkipLaunch bool `json:"skip_launch,omitempty"`
	//nolint:tagliatelle
	MinSecretsVersion int64 `json:"min_secrets_version,omitempty"`
}

// CreateMachine creates a machine in the app.
func (c *Client) CreateMachine(ctx context.Context, appName string, config *MachineConfig, options *CreateMachineOptions) (*Machine, error) {
	body := &createMachineRequest{
		Config: *config,
	}

	if options != nil {
		body.Name = options.Name
		body.Region = options.Region
		body.SkipLaunch = options.SkipLaunch
		body.MinSecretsVersion = options.MinSecretsVersion
	}

	req := &request{
		operation: "/v1/apps/{app}/machines#create",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines",
		body:      body,
	}

	machine := &Machine{}

	if err := c.do(ctx, req, machine); err != nil {
		return nil, err
	}

	return machine, nil
}

// GetMachine returns the machine by ID.
func (c *Client) GetMachine(ctx context.Context, appName, machineID string) (*Machine, error) {
	req := &request{
		operation:  "/v1/apps/{app}/machines/{id}#get",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID),
		idempotent: true,
	}

	machine := &Machine{}

	if err := c.do(ctx, req, machine); err != nil {
		return nil, err
	}

	return machine, nil
}

// UpdateMachineOptions carry update-time launch options.
type UpdateMachineOptions struct {
	// MinSecretsVersion makes the machine wait for app secrets to reach
	// at least this version before booting with the new config.
	MinSecretsVersion int64
}

type updateMachineRequest struct {
	Config MachineConfig `json:"config"`
	//nolint:tagliatelle
	MinSecretsVersion int64 `json:"min_secrets_version,omitempty"`
}

// UpdateMachine replaces the machine's config and (re)starts it.
func (c *Client) UpdateMachine(ctx context.Context, appName, machineID string, config *MachineConfig, options *UpdateMachineOptions) (*Machine, error) {
	body := &updateMachineRequest{
		Config: *config,
	}

	if options != nil {
		body.MinSecretsVersion = options.MinSecretsVersion
	}

	req := &request{
		operation: "/v1/apps/{app}/machines/{id}#update",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID),
		body:      body,
	}

	machine := &Machine{}

	if err := c.do(ctx, req, machine); err != nil {
		return nil, err
	}

	return machine, nil
}

// StartMachine starts a stopped machine.
func (c *Client) StartMachine(ctx context.Context, appName, machineID string) error {
	req := &request{
		operation: "/v1/apps/{app}/machines/{id}/start",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID) + "/start",
	}

	return c.do(ctx, req, nil)
}

// StopMachine asks the machine to stop without waiting for it to get there.
func (c *Client) StopMachine(ctx context.Context, appName, machineID string) error {
	req := &request{
		operation: "/v1/apps/{app}/machines/{id}/stop",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID) + "/stop",
	}

	return c.do(ctx, req, nil)
}

// StopMachineAndWait stops the machine and waits for the stopped state.
func (c *Client) StopMachineAndWait(ctx context.Context, appName, machineID string, timeout time.Duration) error {
	if err := c.StopMachine(ctx, appName, machineID); err != nil {
		return err
	}

	return c.WaitMachineState(ctx, appName, machineID, MachineStateStopped, timeout, "")
}

// DestroyMachine force-deletes the machine.  Force is deliberate: a wedged
// machine must never be able to block a destroy.
func (c *Client) DestroyMachine(ctx context.Context, appName, machineID string) error {
	req := &request{
		operation: "/v1/apps/{app}/machines/{id}#delete",
		method:    http.MethodDelete,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID),
		query:     "force=true",
	}

	return c.do(ctx, req, nil)
}

// WaitMachineState long-polls until the machine reaches the given state or
// the timeout elapses.  instanceID, when non-empty, pins the wait to a
// particular machine incarnation so a concurrent update can't satisfy it.
func (c *Client) WaitMachineState(ctx context.Context, appName, machineID, state string, timeout time.Duration, instanceID string) error {
	query := url.Values{}
	query.Set("state", state)
	query.Set("timeout", fmt.Sprintf("%d", int(timeout.Seconds())))

	if instanceID != "" {
		query.Set("instance_id", instanceID)
	}

	req := &request{
		operation: "/v1/apps/{app}/machines/{id}/wait",
		method:    http.MethodGet,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID) + "/wait",
		query:     query.Encode(),
		// Leave headroom over the provider-side long poll.
		timeout: timeout + 10*time.Second,
	}

	return c.do(ctx, req, nil)
}

// ListMachines lists the app's machines, optionally filtered by metadata
// key/value pairs.  This is the recovery path for lost machine IDs, so it
// must include machines in every state.
func (c *Client) ListMachines(ctx context.Context, appName string, metadata map[string]string) ([]Machine, error) {
	query := url.Values{}
	query.Set("include_deleted", "false")

	for key, value := range metadata {
		query.Set("metadata."+key, value)
	}

	req := &request{
		operation:  "/v1/apps/{app}/machines#list",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName) + "/machines",
		query:      query.Encode(),
		idempotent: true,
	}

	var machines []Machine

	if err := c.do(ctx, req, &machines); err != nil {
		return nil, err
	}

	return machines, nil
}
