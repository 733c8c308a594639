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

package capacity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/apex/internal/apextask"
	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/usage"
	"github.com/kadirpekel/apex/pkg/config"
)

func TestPercentageZeroWhenNoBudget(t *testing.T) {
	u := usage.New(config.UsageConfig{}, nil)
	mon := New(u, nil, nil, nil, nil)
	assert.Equal(t, float64(0), mon.Percentage())
}

func TestObserveEmitsCapacityDropped(t *testing.T) {
	u := usage.New(config.UsageConfig{DailyBudgetUSD: 10}, nil)
	bus := eventbus.New(nil)

	var got []eventbus.CapacityRestoredEvent
	bus.Subscribe(eventbus.CapacityRestored, func(payload any) {
		got = append(got, payload.(eventbus.CapacityRestoredEvent))
	})

	fixed := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	mon := New(u, func(time.Time) float64 { return 0.5 }, func(time.Time) string { return "day" }, bus, nil)
	mon.now = func() time.Time { return fixed }
	mon.lastDay = dayKey(fixed)
	mon.lastMode = "day"

	u.RecordUsage("t1", apextask.Usage{EstimatedCost: 6})
	mon.Observe()
	require.Empty(t, got, "should not emit while still above threshold")
	assert.True(t, mon.wasAboveThreshold)

	u2 := usage.New(config.UsageConfig{DailyBudgetUSD: 10}, nil)
	mon2 := New(u2, func(time.Time) float64 { return 0.5 }, func(time.Time) string { return "day" }, bus, nil)
	mon2.now = func() time.Time { return fixed }
	mon2.lastDay = dayKey(fixed)
	mon2.lastMode = "day"
	mon2.wasAboveThreshold = true

	mon2.Observe()
	require.Len(t, got, 1)
	assert.Equal(t, eventbus.ReasonCapacityDropped, got[0].Reason)
}

func TestObserveEmitsBudgetResetOnNewDay(t *testing.T) {
	u := usage.New(config.UsageConfig{DailyBudgetUSD: 10}, nil)
	bus := eventbus.New(nil)
	var got []eventbus.CapacityRestoredEvent
	bus.Subscribe(eventbus.CapacityRestored, func(payload any) {
		got = append(got, payload.(eventbus.CapacityRestoredEvent))
	})

	day1 := time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC)
	mon := New(u, nil, nil, bus, nil)
	mon.now = func() time.Time { return day1 }
	mon.lastDay = dayKey(day1)

	day2 := day1.Add(2 * time.Hour)
	mon.now = func() time.Time { return day2 }
	mon.Observe()

	require.Len(t, got, 1)
	assert.Equal(t, eventbus.ReasonBudgetReset, got[0].Reason)
}

func TestObserveEmitsModeSwitch(t *testing.T) {
	u := usage.New(config.UsageConfig{DailyBudgetUSD: 10}, nil)
	bus := eventbus.New(nil)
	var got []eventbus.CapacityRestoredEvent
	bus.Subscribe(eventbus.CapacityRestored, func(payload any) {
		got = append(got, payload.(eventbus.CapacityRestoredEvent))
	})

	fixed := time.Date(2026, 1, 1, 21, 0, 0, 0, time.UTC)
	mode := "day"
	mon := New(u, nil, func(time.Time) string { return mode }, bus, nil)
	mon.now = func() time.Time { return fixed }
	mon.lastDay = dayKey(fixed)
	mon.lastMode = "day"

	mode = "night"
	mon.Observe()

	require.Len(t, got, 1)
	assert.Equal(t, eventbus.ReasonModeSwitch, got[0].Reason)
}

func TestManualOverrideAlwaysEmits(t *testing.T) {
	u := usage.New(config.UsageConfig{}, nil)
	bus := eventbus.New(nil)
	var got []eventbus.CapacityRestoredEvent
	bus.Subscribe(eventbus.CapacityRestored, func(payload any) {
		got = append(got, payload.(eventbus.CapacityRestoredEvent))
	})

	mon := New(u, nil, nil, bus, nil)
	mon.ManualOverride()

	require.Len(t, got, 1)
	assert.Equal(t, eventbus.ReasonManualOverride, got[0].Reason)
}
