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

package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersionsComponentWise(t *testing.T) {
	assert.Equal(t, 0, compareVersions("24.0.7", "24.0.7"))
	assert.Equal(t, -1, compareVersions("23.9.9", "24.0.0"))
	assert.Equal(t, 1, compareVersions("24.1.0", "24.0.9"))
	assert.Equal(t, 0, compareVersions("20.10", "20.10.0"))
}

func TestCompareVersionsIgnoresNonNumericSuffix(t *testing.T) {
	assert.Equal(t, 0, compareVersions("24.0.7-ce", "24.0.7"))
	assert.Equal(t, -1, compareVersions("5.beta", "6.0"))
}

func TestExtractVersionFromDockerBanner(t *testing.T) {
	got := extractVersion("Docker version 24.0.7, build afdd53b")
	assert.Equal(t, "24.0.7", got)
}

func TestParseStatsLineValid(t *testing.T) {
	stats := parseStatsLine("12.34%|100MiB / 512MiB|7|1.2kB / 3.4kB|0B / 0B")
	require.NotNil(t, stats)
	assert.Equal(t, 12.34, stats.CPUPercent)
	assert.Equal(t, "100MiB", stats.MemoryUsed)
	assert.Equal(t, "512MiB", stats.MemoryLimit)
	assert.Equal(t, 7, stats.Pids)
}

func TestParseStatsLineMalformedReturnsNil(t *testing.T) {
	assert.Nil(t, parseStatsLine("not-a-stats-line"))
	assert.Nil(t, parseStatsLine(""))
}

func TestResourceLimitsValidate(t *testing.T) {
	assert.NoError(t, ResourceLimits{}.Validate())
	assert.NoError(t, ResourceLimits{CPU: 1.5, CPUShares: 1024, PidsLimit: 100}.Validate())
	assert.Error(t, ResourceLimits{CPU: 0.05}.Validate())
	assert.Error(t, ResourceLimits{CPU: 65}.Validate())
	assert.Error(t, ResourceLimits{CPUShares: 1}.Validate())
	assert.NoError(t, ResourceLimits{PidsLimit: 0, CPU: 1}.Validate())
}

func TestContainerCreateOptionsValidate(t *testing.T) {
	assert.Error(t, ContainerCreateOptions{}.Validate())
	assert.NoError(t, ContainerCreateOptions{Image: "alpine"}.Validate())
	assert.Error(t, ContainerCreateOptions{Image: "alpine", NetworkMode: "weird"}.Validate())
}

func TestInstallSpecValidate(t *testing.T) {
	assert.NoError(t, InstallSpec{}.Validate())
	assert.Error(t, InstallSpec{Command: []string{"npm", "install"}}.Validate())
}

func TestBuildCreateArgsIncludesLimitsAndEntrypoint(t *testing.T) {
	opts := ContainerCreateOptions{
		Image:      "alpine",
		Entrypoint: []string{"/bin/sh", "-c"},
		Command:    []string{"echo hi"},
		ResourceLimits: ResourceLimits{
			CPU:       2,
			CPUShares: 512,
		},
		NetworkMode: NetworkHost,
	}
	args := buildCreateArgs("apex-task-t1", opts)
	assert.Contains(t, args, "--entrypoint")
	assert.Contains(t, args, "--network")
	assert.Contains(t, args, "host")
	assert.Equal(t, "alpine", args[len(args)-2])
	assert.Equal(t, "echo hi", args[len(args)-1])
}

func TestContainerNameSanitizesTaskID(t *testing.T) {
	assert.Equal(t, "apex-task-a-b", containerName("a/b"))
}
