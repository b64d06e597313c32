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

// Package alarm provides the controllers' reconcile timer: a single slot
// per user, re-arming replaces the previous schedule, and the deadline is
// persisted so a process restart re-arms rather than forgets.
package alarm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

// Handler is invoked when an alarm slot fires.  It runs on its own
// goroutine; serialization against other controller operations is the
// controller's job.
type Handler func(ctx context.Context, key string)

// Scheduler owns one timer slot per controller key.
type Scheduler struct {
	store   *store.Store
	handler Handler
	log     logr.Logger

	mutex  sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New returns a scheduler.  The handler is fixed for the scheduler's
// lifetime; controllers register themselves through the controller
// registry, not here.
func New(s *store.Store, handler Handler, log logr.Logger) *Scheduler {
	return &Scheduler{
		store:   s,
		handler: handler,
		log:     log,
		timers:  map[string]*time.Timer{},
	}
}

// overdueWindow spreads alarms whose deadline passed while the process was
// down, so boot doesn't fire them all in the same instant.
const overdueWindow = 5 * time.Second

// jitter returns a uniform duration in (0, constants.AlarmJitter].
func jitter() time.Duration {
	//nolint:gosec
	return time.Duration(rand.Int63n(int64(constants.AlarmJitter))) + 1
}

// Arm schedules the slot base+jitter from now, replacing any
// previous schedule, and persists the deadline.
func (s *Scheduler) Arm(ctx context.Context, key string, base time.Duration) error {
	delay := base + jitter()
	deadline := time.Now().Add(delay)

	// Persist before arming: a crash after this point re-arms at boot.
	if err := s.store.SetAlarm(ctx, key, deadline); err != nil {
		return err
	}

	s.armTimer(key, delay)

	return nil
}

// Cancel stops the slot and clears the persisted deadline.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	s.mutex.Lock()

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
		delete(s.timers, key)
	}

	s.mutex.Unlock()

	return s.store.DeleteAlarm(ctx, key)
}

// Rehydrate re-arms every persisted alarm, used at boot.  Deadlines already
// in the past fire after a short jittered delay instead of all at once.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	alarms, err := s.store.Alarms(ctx)
	if err != nil {
		return err
	}

	now := time.Now()

	for key, deadline := range alarms {
		delay := deadline.Sub(now)

		if delay <= 0 {
			//nolint:gosec
			delay = time.Duration(rand.Int63n(int64(overdueWindow))) + 1
		}

		s.armTimer(key, delay)
	}

	s.log.Info("alarms rehydrated", "count", len(alarms))

	return nil
}

// Close stops all timers.  Persisted deadlines are kept so the next process
// picks them up.
func (s *Scheduler) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true

	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}

func (s *Scheduler) armTimer(key string, delay time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}

	s.timers[key] = time.AfterFunc(delay, func() {
		s.fire(key)
	})
}

func (s *Scheduler) fire(key string) {
	s.mutex.Lock()
	delete(s.timers, key)
	s.mutex.Unlock()

	// The handler gets a fresh context: alarms outlive whatever request
	// armed them.
	ctx := logr.NewContext(context.Background(), s.log.WithValues("alarm", key, "trigger", "alarm"))

	s.handler(ctx, key)
}
