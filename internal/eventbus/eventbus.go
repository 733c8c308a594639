// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus implements a process-local publish/subscribe
// facility for orchestrator lifecycle events. It replaces the
// duck-typed any-listener EventEmitter pattern with an explicit event
// name -> payload schema: every event name is a Go constant and every
// payload is a concrete struct. Handlers receive the payload as any and
// type-assert it; the bus does not check that a published payload
// matches its event name.
package eventbus

import (
	"log/slog"
	"sync"
)

// Name identifies an event kind.
type Name string

const (
	TaskCreated         Name = "task:created"
	TaskStarted         Name = "task:started"
	TaskCompleted       Name = "task:completed"
	TaskFailed          Name = "task:failed"
	TaskRetried         Name = "task:retried"
	TaskPaused          Name = "task:paused"
	TaskResumed         Name = "task:resumed"
	TaskSessionResumed  Name = "task:session-resumed"
	TasksAutoResumed    Name = "tasks:auto-resumed"
	TaskTrashed         Name = "task:trashed"
	TaskIterate         Name = "task:iterate"
	InteractionReceived Name = "interaction:received"
	InteractionProcessed Name = "interaction:processed"
	WorktreeMergeCleaned Name = "worktree:merge-cleaned"
	OrphanDetected      Name = "orphan:detected"
	OrphanRecovered     Name = "orphan:recovered"
	CapacityRestored    Name = "capacity-restored"
)

// Handler receives a delivered event's payload. It must not block on
// anything but quick, local work; heavy work should be handed off to a
// worker goroutine.
type Handler func(payload any)

// Bus delivers events synchronously, on the publisher's own goroutine.
// A zero Bus is not usable; construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	logger   *slog.Logger
}

// New creates an empty Bus. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
	}
}

// Subscribe registers h to run whenever name is published. Subscriptions
// are never unregistered individually; the bus is expected to live for
// the daemon process lifetime.
func (b *Bus) Subscribe(name Name, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish delivers payload to every handler registered for name, on the
// calling goroutine, in registration order. A handler panic is caught
// and logged; it never propagates to the publisher or to other
// handlers, so one buggy listener cannot crash the daemon or block
// delivery to its peers.
func (b *Bus) Publish(name Name, payload any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[name]))
	copy(hs, b.handlers[name])
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatch(name, h, payload)
	}
}

func (b *Bus) dispatch(name Name, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", string(name), "panic", r)
		}
	}()
	h(payload)
}
