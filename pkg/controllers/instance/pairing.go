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
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
)

const pairingExecTimeout = 30 * time.Second

// Channel and code shapes are enforced before the values are interpolated
// into an exec argv, so they can never smuggle shell metacharacters.
//
//nolint:gochecknoglobals
var (
	channelRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)
	codeRegex    = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)
)

// PairingRequest is one pending device-pairing request reported by the
// helper inside the machine.
type PairingRequest struct {
	Channel   string `json:"channel"`
	Code      string `json:"code"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func pairingCacheKey(appName, machineID string) string {
	return "pairing:" + appName + ":" + machineID
}

// ListPairing returns the machine's pending pairing requests, served from
// the shared cache when fresh.
func (c *Controller) ListPairing(ctx context.Context, userID string) ([]PairingRequest, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.runningRecord(ctx, userID)
	if err != nil {
		return nil, err
	}

	cacheKey := pairingCacheKey(record.FlyAppName, record.FlyMachineID)

	if raw, found, err := c.store.CacheGet(ctx, cacheKey); err == nil && found {
		var requests []PairingRequest

		if err := json.Unmarshal(raw, &requests); err == nil {
			return requests, nil
		}
	}

	result, err := c.compute.Exec(ctx, record.FlyAppName, record.FlyMachineID, []string{"openclaw", "pairing", "list", "--json"}, pairingExecTimeout)
	if err != nil {
		return nil, err
	}

	if result.ExitCode != 0 {
		return nil, fmt.Errorf("pairing list failed with exit code %d: %s", result.ExitCode, result.Stderr)
	}

	var requests []PairingRequest

	if err := json.Unmarshal([]byte(result.Stdout), &requests); err != nil {
		return nil, fmt.Errorf("failed to parse pairing list output: %w", err)
	}

	if raw, err := json.Marshal(requests); err == nil {
		if err := c.store.CacheSet(ctx, cacheKey, raw, constants.PairingCacheTTL); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "failed to cache pairing list", "user", c.userID)
		}
	}

	return requests, nil
}

// ApprovePairing approves one pending pairing request on the machine and
// invalidates the cached list.
func (c *Controller) ApprovePairing(ctx context.Context, userID, channel, code string) error {
	if !channelRegex.MatchString(channel) {
		return fmt.Errorf("%w: invalid channel", ErrInvalidArgument)
	}

	if !codeRegex.MatchString(code) {
		return fmt.Errorf("%w: invalid pairing code", ErrInvalidArgument)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.runningRecord(ctx, userID)
	if err != nil {
		return err
	}

	result, err := c.compute.Exec(ctx, record.FlyAppName, record.FlyMachineID, []string{"openclaw", "pairing", "approve", channel, code}, pairingExecTimeout)
	if err != nil {
		return err
	}

	if result.ExitCode != 0 {
		return fmt.Errorf("pairing approve failed with exit code %d: %s", result.ExitCode, result.Stderr)
	}

	if err := c.store.CacheDelete(ctx, pairingCacheKey(record.FlyAppName, record.FlyMachineID)); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to invalidate pairing cache", "user", c.userID)
	}

	return nil
}

// runningRecord loads the record for an operation that needs a live
// machine.  Caller holds the lock.
func (c *Controller) runningRecord(ctx context.Context, userID string) (*Record, error) {
	record, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	if record.empty() {
		return nil, ErrNotProvisioned
	}

	if err := c.checkUser(record, userID); err != nil {
		return nil, err
	}

	if record.Status != StatusRunning || record.FlyMachineID == "" {
		return nil, ErrNotRunning
	}

	return record, nil
}
