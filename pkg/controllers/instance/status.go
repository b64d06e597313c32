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
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

const (
	liveStatusKey   = "status"
	liveProbeKey    = "probe"
	liveProbeWindow = 10 * time.Second
)

// GetStatus is the low-latency status read.  It deliberately does NOT
// take the actor lock: a start can hold the lock for a minute and status
// reads must not queue behind it.  When the cached belief says running, a
// throttled background probe keeps the belief honest in memory only; the
// reconciler owns persisting any correction.
func (c *Controller) GetStatus(ctx context.Context, userID string) (*StatusView, error) {
	if userID != c.userID {
		return nil, ErrUserMismatch
	}

	record, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	if record.empty() {
		return nil, ErrNotProvisioned
	}

	status := record.Status

	if override, ok := c.liveState.Get(liveStatusKey); ok {
		status = override.(Status)
	}

	if record.Status == StatusRunning && record.FlyMachineID != "" {
		c.maybeProbe(ctx, record)
	}

	return record.view(status), nil
}

// maybeProbe dispatches a fire-and-forget machine fetch, at most once per
// live-check window.
func (c *Controller) maybeProbe(ctx context.Context, record *Record) {
	if _, throttled := c.liveState.Get(liveProbeKey); throttled {
		return
	}

	c.liveState.Set(liveProbeKey, struct{}{}, constants.LiveCheckThrottle)

	log := logr.FromContextOrDiscard(ctx)
	appName := record.FlyAppName
	machineID := record.FlyMachineID

	go func() {
		_, _, _ = c.liveGroup.Do(liveProbeKey, func() (any, error) {
			probeCtx, cancel := context.WithTimeout(logr.NewContext(context.Background(), log), liveProbeWindow)
			defer cancel()

			machine, err := c.compute.GetMachine(probeCtx, appName, machineID)

			switch {
			case fly.IsNotFound(err):
				c.liveState.Set(liveStatusKey, StatusStopped, constants.AlarmIntervalRunning)
			case err != nil:
				// Transient; keep the cached belief.
			case machine.State == fly.MachineStateStarted:
				c.liveState.Delete(liveStatusKey)
			case machine.State == fly.MachineStateStopped || machine.State == fly.MachineStateCreated || machine.State == fly.MachineStateSuspended:
				c.liveState.Set(liveStatusKey, StatusStopped, constants.AlarmIntervalRunning)
			}

			return nil, nil
		})
	}()
}
