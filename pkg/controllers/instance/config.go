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
)

// UpdateConfig rewrites the instance configuration in place.  It touches
// nothing remote: a running machine keeps its current environment until
// the next cold start, which the caller should surface to the user.
func (c *Controller) UpdateConfig(ctx context.Context, userID string, config *Config) error {
	if err := validateConfig(config); err != nil {
		return err
	}

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

	if record.Status == StatusDestroying {
		return ErrDestroying
	}

	record.applyConfig(config)

	return c.save(ctx, record)
}
