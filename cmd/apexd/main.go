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

// Command apexd is the long-running daemon that polls the task store,
// drives tasks through the orchestrator, and recovers from orphaned or
// paused state.
//
// Usage:
//
//	apexd serve --config apex.yaml
//	apexd status --config apex.yaml
//	apexd interact --task-id <id> --feedback "..."
//	apexd version
package main

import (
	"fmt"

	"github.com/alecthomas/kong"

	apex "github.com/kadirpekel/apex"
)

// CLI defines the command-line interface, mirroring the teacher's
// struct-of-subcommands pattern in cmd/hector/main.go.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the daemon."`
	Status   StatusCmd   `cmd:"" help:"Query a running daemon's status endpoint."`
	Interact InteractCmd `cmd:"" help:"Submit or inspect mid-flight task feedback."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"apex.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)."`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(apex.GetVersion().String())
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("apexd"),
		kong.Description("apex daemon - autonomous task orchestration"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
