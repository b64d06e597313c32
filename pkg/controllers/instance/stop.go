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

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// Stop stops the user's machine.  A machine that is already gone counts
// as stopped; any other failure leaves the status untouched because the
// real state is unknown.
func (c *Controller) Stop(ctx context.Context, userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return err
	}

	if record.empty() {
		return ErrNotProvisioned
	}

	if err := c.checkUser(record, userID); err != nil {
		return err
	}

	switch record.Status {
	case StatusStopped, StatusProvisioned, StatusDestroying:
		return nil
	case StatusRunning:
	}

	if record.FlyMachineID != "" {
		err := c.compute.StopMachineAndWait(ctx, record.FlyAppName, record.FlyMachineID, constants.StartupTimeout)
		if err != nil && !fly.IsNotFound(err) {
			c.rearm(ctx, record)

			return err
		}
	}

	record.Status = StatusStopped
	record.LastStoppedAt = nowMilli()

	if err := c.save(ctx, record); err != nil {
		return err
	}

	c.rearm(ctx, record)

	return nil
}
