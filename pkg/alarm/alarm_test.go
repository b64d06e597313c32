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

package alarm_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloclaw/kiloclaw/pkg/alarm"
	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	redisServer := miniredis.RunT(t)

	return store.NewWithClient(redis.NewClient(&redis.Options{Addr: redisServer.Addr()}))
}

// TestArmPersistsJitteredDeadline checks the scheduling monotonicity
// property: the persisted deadline lies in (now+base, now+base+jitter].
func TestArmPersistsJitteredDeadline(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	scheduler := alarm.New(s, func(ctx context.Context, key string) {}, testLog)

	t.Cleanup(scheduler.Close)

	ctx := testContext()

	base := time.Hour

	for range 50 {
		before := time.Now()

		require.NoError(t, scheduler.Arm(ctx, "u1", base))

		after := time.Now()

		alarms, err := s.Alarms(ctx)
		require.NoError(t, err)

		deadline := alarms["u1"]

		assert.True(t, deadline.After(before.Add(base)), "deadline %v not after base", deadline)
		assert.False(t, deadline.After(after.Add(base+constants.AlarmJitter)), "deadline %v beyond jitter cap", deadline)
	}
}

// TestArmReplacesSlot ensures the slot is single: re-arming replaces, so a
// short deadline armed after a long one fires exactly once.
func TestArmReplacesSlot(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var fired atomic.Int32

	scheduler := alarm.New(s, func(ctx context.Context, key string) {
		fired.Add(1)
	}, testLog)

	t.Cleanup(scheduler.Close)

	ctx := testContext()

	require.NoError(t, scheduler.Arm(ctx, "u1", time.Hour))
	require.NoError(t, scheduler.Arm(ctx, "u1", time.Nanosecond))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The hour-long original must not fire as well.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

// TestCancelClearsSlotAndDeadline ensures cancellation stops the timer and
// removes the persisted deadline.
func TestCancelClearsSlotAndDeadline(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var fired atomic.Int32

	scheduler := alarm.New(s, func(ctx context.Context, key string) {
		fired.Add(1)
	}, testLog)

	t.Cleanup(scheduler.Close)

	ctx := testContext()

	require.NoError(t, scheduler.Arm(ctx, "u1", 20*time.Millisecond))
	require.NoError(t, scheduler.Cancel(ctx, "u1"))

	alarms, err := s.Alarms(ctx)
	require.NoError(t, err)
	assert.Empty(t, alarms)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

// TestRehydrateFiresOverdueAlarms ensures deadlines that passed while the
// process was down fire shortly after rehydration.
func TestRehydrateFiresOverdueAlarms(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := testContext()

	require.NoError(t, s.SetAlarm(ctx, "u1", time.Now().Add(-time.Minute)))

	var fired atomic.Int32

	scheduler := alarm.New(s, func(ctx context.Context, key string) {
		assert.Equal(t, "u1", key)
		fired.Add(1)
	}, testLog)

	t.Cleanup(scheduler.Close)

	require.NoError(t, scheduler.Rehydrate(ctx))

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, 10*time.Second, 10*time.Millisecond)
}
