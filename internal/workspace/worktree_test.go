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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskIDFromPath(t *testing.T) {
	assert.Equal(t, "abc123", taskIDFromPath("/tmp/.apex-worktrees/task-abc123"))
	assert.Equal(t, "", taskIDFromPath("/tmp/.apex-worktrees/scratch"))
	assert.Equal(t, "", taskIDFromPath("/home/project"))
}

func TestBranchNameSanitizesInput(t *testing.T) {
	assert.Equal(t, "apex/task", branchName(""))
	assert.Equal(t, "apex/fix-the-bug", branchName("fix the/bug"))
	assert.Equal(t, "apex/a-b-c", branchName("a\\b/c"))
}

func TestClassifyMainAlwaysActive(t *testing.T) {
	info := Info{IsMain: true, Path: "/nonexistent"}
	assert.Equal(t, StatusActive, classify(info, time.Now(), 7*24*time.Hour))
}

func TestClassifyMissingDirNonTaskIsPrunable(t *testing.T) {
	info := Info{Path: "/nonexistent/scratch"}
	assert.Equal(t, StatusPrunable, classify(info, time.Now(), 7*24*time.Hour))
}

func TestClassifyMissingDirTaskIsStale(t *testing.T) {
	info := Info{Path: "/nonexistent/task-x", TaskID: "x"}
	assert.Equal(t, StatusStale, classify(info, time.Now(), 7*24*time.Hour))
}

func TestClassifyFreshTaskDirIsActive(t *testing.T) {
	dir := t.TempDir()
	info := Info{Path: dir, TaskID: "x"}
	assert.Equal(t, StatusActive, classify(info, time.Now(), 7*24*time.Hour))
}

func TestClassifyOldTaskDirIsStale(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-30 * 24 * time.Hour)
	require := assert.New(t)
	require.NoError(os.Chtimes(dir, old, old))

	info := Info{Path: dir, TaskID: "x"}
	assert.Equal(t, StatusStale, classify(info, time.Now(), 7*24*time.Hour))
}
