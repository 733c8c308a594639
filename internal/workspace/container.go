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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/apex/internal/apexerr"
	"github.com/kadirpekel/apex/pkg/config"
)

// Runtime identifies a detected container engine.
type Runtime string

const (
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
	RuntimeNone   Runtime = "none"
)

// NetworkMode restricts a container's network configuration to the
// modes the daemon understands.
type NetworkMode string

const (
	NetworkBridge    NetworkMode = "bridge"
	NetworkHost      NetworkMode = "host"
	NetworkNone      NetworkMode = "none"
	NetworkContainer NetworkMode = "container"
)

// ResourceLimits bounds a container's compute footprint.
type ResourceLimits struct {
	CPU               float64
	Memory            string
	MemoryReservation string
	MemorySwap        string
	CPUShares         uint32
	PidsLimit         uint32
}

// Validate enforces the spec's numeric ranges. Zero values are treated
// as "unset" and skipped, since ResourceLimits is an optional block.
func (r ResourceLimits) Validate() error {
	if r.CPU != 0 && (r.CPU < 0.1 || r.CPU > 64) {
		return fmt.Errorf("resourceLimits.cpu must be in [0.1, 64], got %v", r.CPU)
	}
	if r.CPUShares != 0 && (r.CPUShares < 2 || r.CPUShares > 262144) {
		return fmt.Errorf("resourceLimits.cpuShares must be in [2, 262144], got %d", r.CPUShares)
	}
	if r.PidsLimit != 0 && r.PidsLimit < 1 {
		return fmt.Errorf("resourceLimits.pidsLimit must be >= 1, got %d", r.PidsLimit)
	}
	return nil
}

// InstallSpec describes an optional dependency-install step run inside
// the container immediately after creation.
type InstallSpec struct {
	Command []string
	Timeout time.Duration
	Retries int
}

// Validate enforces the spec's install-block rules.
func (s InstallSpec) Validate() error {
	if len(s.Command) == 0 {
		return nil
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("install.timeout must be > 0")
	}
	if s.Retries < 0 {
		return fmt.Errorf("install.retries must be >= 0")
	}
	return nil
}

// ContainerCreateOptions is the closed option struct for container
// creation, replacing a dynamic option bag per the spec's redesign
// guidance.
type ContainerCreateOptions struct {
	Image          string
	Command        []string
	Entrypoint     []string
	WorkingDir     string
	User           string
	Env            map[string]string
	Volumes        map[string]string
	ResourceLimits ResourceLimits
	NetworkMode    NetworkMode
	Privileged     bool
	AutoRemove     bool
	CapAdd         []string
	CapDrop        []string
	SecurityOpts   []string
	Labels         map[string]string
	Install        InstallSpec
}

// Validate checks the option struct as a whole.
func (o ContainerCreateOptions) Validate() error {
	if o.Image == "" {
		return fmt.Errorf("image is required")
	}
	switch o.NetworkMode {
	case "", NetworkBridge, NetworkHost, NetworkNone, NetworkContainer:
	default:
		return fmt.Errorf("networkMode must be one of {bridge, host, none, container}, got %q", o.NetworkMode)
	}
	if err := o.ResourceLimits.Validate(); err != nil {
		return err
	}
	return o.Install.Validate()
}

// Stats is a point-in-time resource usage snapshot for a running
// container.
type Stats struct {
	CPUPercent  float64
	MemoryUsed  string
	MemoryLimit string
	Pids        int
	NetworkIO   string
	BlockIO     string
}

// ContainerProvider manages per-task containers by shelling out to
// docker or podman, whichever is detected on PATH. It never links a
// container-engine client library.
type ContainerProvider struct {
	binary         string
	minVersion     string
	maxVersion     string
	cmdTimeout     time.Duration
	defaultOptions ContainerCreateOptions

	mu       sync.Mutex
	runtime  Runtime
	detected bool
	tasks    map[string]*Info // taskID -> container info, in-process only
}

// NewContainerProvider builds a provider from cfg.Container. The actual
// runtime (docker/podman/none) is detected lazily on first use.
func NewContainerProvider(cfg *config.Config) *ContainerProvider {
	return &ContainerProvider{
		binary:     cfg.Container.Binary,
		minVersion: cfg.Container.MinVersion,
		maxVersion: cfg.Container.MaxVersion,
		cmdTimeout: cfg.Container.CommandTimeout,
		defaultOptions: ContainerCreateOptions{
			Image:  cfg.Container.Image,
			Env:    cfg.Container.Env,
			Labels: cfg.Container.Labels,
		},
		tasks: make(map[string]*Info),
	}
}

// DetectRuntime returns the detected runtime, caching the result until
// ClearDetection is called. Priority when both docker and podman are
// present: docker.
func (p *ContainerProvider) DetectRuntime(ctx context.Context) Runtime {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detected {
		return p.runtime
	}
	p.runtime = detectRuntimeBinary(ctx, p.cmdTimeout)
	p.detected = true
	return p.runtime
}

// ClearDetection forces the next DetectRuntime call to re-probe.
func (p *ContainerProvider) ClearDetection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detected = false
}

func detectRuntimeBinary(ctx context.Context, timeout time.Duration) Runtime {
	for _, candidate := range []Runtime{RuntimeDocker, RuntimePodman} {
		if probeBinary(ctx, string(candidate), timeout) {
			return candidate
		}
	}
	return RuntimeNone
}

func probeBinary(ctx context.Context, bin string, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, "--version")
	return cmd.Run() == nil
}

// CheckCompatibility compares the detected runtime's reported version
// against {minVersion, maxVersion}, comparing component-wise as
// integers and ignoring non-numeric suffixes.
func (p *ContainerProvider) CheckCompatibility(ctx context.Context) (bool, string, error) {
	rt := p.DetectRuntime(ctx)
	if rt == RuntimeNone {
		return false, "", apexerr.New(apexerr.KindPersistentExternal, "ContainerProvider.CheckCompatibility", "no container runtime detected")
	}
	out, err := p.run(ctx, "--version")
	if err != nil {
		return false, "", apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.CheckCompatibility", "version probe", err)
	}
	version := extractVersion(out)
	if p.minVersion != "" && compareVersions(version, p.minVersion) < 0 {
		return false, version, nil
	}
	if p.maxVersion != "" && compareVersions(version, p.maxVersion) > 0 {
		return false, version, nil
	}
	return true, version, nil
}

// extractVersion pulls the first dotted-numeric token out of a
// `docker --version`-style string such as "Docker version 24.0.7, build afdd53b".
func extractVersion(raw string) string {
	for _, field := range strings.Fields(raw) {
		field = strings.TrimSuffix(field, ",")
		if len(field) > 0 && (field[0] >= '0' && field[0] <= '9') {
			return field
		}
	}
	return strings.TrimSpace(raw)
}

// compareVersions compares two version strings component-wise as
// integers; non-numeric suffixes on a component are ignored. Returns
// -1, 0, or 1.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = leadingInt(as[i])
		}
		if i < len(bs) {
			bv = leadingInt(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func leadingInt(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n
}

// Create provisions a container for taskID from the options derived from
// cfg.Container, rolling back any partial creation on failure. branch is
// not used by containers.
func (p *ContainerProvider) Create(ctx context.Context, taskID, branch string) (string, error) {
	opts := p.defaultOptions
	if err := opts.Validate(); err != nil {
		return "", apexerr.Wrap(apexerr.KindValidation, "ContainerProvider.Create", "invalid container options", err)
	}

	p.mu.Lock()
	if _, exists := p.tasks[taskID]; exists {
		p.mu.Unlock()
		return "", apexerr.Wrap(apexerr.KindConflict, "ContainerProvider.Create",
			fmt.Sprintf("container for task %s already exists", taskID), apexerr.ErrAlreadyExists)
	}
	p.mu.Unlock()

	name := containerName(taskID)
	args := buildCreateArgs(name, opts)

	if _, err := p.run(ctx, args...); err != nil {
		return "", apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.Create", "container create", err)
	}
	if _, err := p.run(ctx, "start", name); err != nil {
		_, _ = p.run(ctx, "rm", "--force", name)
		return "", apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.Create", "container start", err)
	}

	if len(opts.Install.Command) > 0 {
		if err := p.runInstall(ctx, name, opts.Install); err != nil {
			_, _ = p.run(ctx, "stop", "--time", "5", name)
			_, _ = p.run(ctx, "rm", "--force", name)
			return "", apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.Create", "dependency install", err)
		}
	}

	info := &Info{Path: name, TaskID: taskID, Status: StatusActive, CreatedAt: time.Now(), LastUsedAt: time.Now()}
	p.mu.Lock()
	p.tasks[taskID] = info
	p.mu.Unlock()
	return name, nil
}

func (p *ContainerProvider) runInstall(ctx context.Context, name string, install InstallSpec) error {
	var lastErr error
	attempts := install.Retries + 1
	for i := 0; i < attempts; i++ {
		execCtx, cancel := context.WithTimeout(ctx, install.Timeout)
		args := append([]string{"exec", name}, install.Command...)
		_, err := p.run(execCtx, args...)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func buildCreateArgs(name string, opts ContainerCreateOptions) []string {
	args := []string{"create", "--name", name}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	if opts.User != "" {
		args = append(args, "--user", opts.User)
	}
	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}
	for host, container := range opts.Volumes {
		args = append(args, "--volume", host+":"+container)
	}
	rl := opts.ResourceLimits
	if rl.CPU != 0 {
		args = append(args, "--cpus", strconv.FormatFloat(rl.CPU, 'f', -1, 64))
	}
	if rl.Memory != "" {
		args = append(args, "--memory", rl.Memory)
	}
	if rl.MemoryReservation != "" {
		args = append(args, "--memory-reservation", rl.MemoryReservation)
	}
	if rl.MemorySwap != "" {
		args = append(args, "--memory-swap", rl.MemorySwap)
	}
	if rl.CPUShares != 0 {
		args = append(args, "--cpu-shares", strconv.FormatUint(uint64(rl.CPUShares), 10))
	}
	if rl.PidsLimit != 0 {
		args = append(args, "--pids-limit", strconv.FormatUint(uint64(rl.PidsLimit), 10))
	}
	if opts.NetworkMode != "" {
		args = append(args, "--network", string(opts.NetworkMode))
	}
	if opts.Privileged {
		args = append(args, "--privileged")
	}
	if opts.AutoRemove {
		args = append(args, "--rm")
	}
	for _, c := range opts.CapAdd {
		args = append(args, "--cap-add", c)
	}
	for _, c := range opts.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, opt := range opts.SecurityOpts {
		args = append(args, "--security-opt", opt)
	}
	for k, v := range opts.Labels {
		args = append(args, "--label", k+"="+v)
	}
	if len(opts.Entrypoint) > 0 {
		args = append(args, "--entrypoint", strings.Join(opts.Entrypoint, " "))
	}
	args = append(args, opts.Image)
	args = append(args, opts.Command...)
	return args
}

// Get returns the container info for taskID, or nil if none exists.
func (p *ContainerProvider) Get(ctx context.Context, taskID string) (*Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

// SwitchTo marks taskID's container as most-recently-used.
func (p *ContainerProvider) SwitchTo(ctx context.Context, taskID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.tasks[taskID]
	if !ok {
		return "", apexerr.New(apexerr.KindValidation, "ContainerProvider.SwitchTo", fmt.Sprintf("no container for task %s", taskID))
	}
	info.LastUsedAt = time.Now()
	return info.Path, nil
}

// Delete stops and removes taskID's container.
func (p *ContainerProvider) Delete(ctx context.Context, taskID string) (bool, error) {
	p.mu.Lock()
	info, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}

	_, _ = p.run(ctx, "stop", "--time", "5", info.Path)
	if _, err := p.run(ctx, "rm", "--force", info.Path); err != nil {
		return false, apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.Delete", "container rm", err)
	}

	p.mu.Lock()
	delete(p.tasks, taskID)
	p.mu.Unlock()
	return true, nil
}

// List returns every known container.
func (p *ContainerProvider) List(ctx context.Context) ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.tasks))
	for _, info := range p.tasks {
		out = append(out, *info)
	}
	return out, nil
}

// CleanupOrphaned removes containers in {stale, prunable} status. The
// container provider never marks anything as stale/prunable on its own
// (container lifetime is bound to the task), so this is a no-op unless a
// caller has flagged an entry otherwise; kept for Provider-interface
// symmetry with the worktree provider.
func (p *ContainerProvider) CleanupOrphaned(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	var stale []string
	for taskID, info := range p.tasks {
		if info.Status == StatusStale || info.Status == StatusPrunable {
			stale = append(stale, taskID)
		}
	}
	p.mu.Unlock()

	var cleaned []string
	for _, taskID := range stale {
		if _, err := p.Delete(ctx, taskID); err == nil {
			cleaned = append(cleaned, taskID)
		}
	}
	return cleaned, nil
}

// GetStats parses `<runtime> stats --no-stream --format ...` single-line
// output for taskID's container. Malformed input returns nil gracefully
// rather than erroring.
func (p *ContainerProvider) GetStats(ctx context.Context, taskID string) (*Stats, error) {
	p.mu.Lock()
	info, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, nil
	}

	out, err := p.run(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}|{{.PIDs}}|{{.NetIO}}|{{.BlockIO}}", info.Path)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.KindTransient, "ContainerProvider.GetStats", "container stats", err)
	}
	return parseStatsLine(out), nil
}

func parseStatsLine(raw string) *Stats {
	line := strings.TrimSpace(raw)
	fields := strings.Split(line, "|")
	if len(fields) != 5 {
		return nil
	}
	cpuPct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(fields[0]), "%"), 64)
	if err != nil {
		return nil
	}
	memParts := strings.SplitN(fields[1], "/", 2)
	if len(memParts) != 2 {
		return nil
	}
	pids, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return nil
	}
	return &Stats{
		CPUPercent:  cpuPct,
		MemoryUsed:  strings.TrimSpace(memParts[0]),
		MemoryLimit: strings.TrimSpace(memParts[1]),
		Pids:        pids,
		NetworkIO:   strings.TrimSpace(fields[3]),
		BlockIO:     strings.TrimSpace(fields[4]),
	}
}

func containerName(taskID string) string {
	sanitized := strings.ReplaceAll(strings.TrimSpace(taskID), "/", "-")
	return "apex-task-" + sanitized
}

func (p *ContainerProvider) run(ctx context.Context, args ...string) (string, error) {
	if p.cmdTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cmdTimeout)
		defer cancel()
	}
	bin := p.binary
	if bin == "" {
		p.mu.Lock()
		rt := p.runtime
		detected := p.detected
		p.mu.Unlock()
		if !detected {
			rt = p.DetectRuntime(ctx)
		}
		if rt == RuntimeNone {
			return "", fmt.Errorf("no container runtime available")
		}
		bin = string(rt)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", bin, strings.Join(args, " "), err, stderr.String())
	}
	return string(out), nil
}
