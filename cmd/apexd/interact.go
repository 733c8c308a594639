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

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/apex/internal/eventbus"
	"github.com/kadirpekel/apex/internal/interaction"
	"github.com/kadirpekel/apex/internal/store"
	"github.com/kadirpekel/apex/pkg/config"
	"github.com/kadirpekel/apex/pkg/logger"
)

// InteractCmd submits mid-flight feedback against a running task, or
// inspects a previously submitted iteration, without going through the
// daemon process. It opens its own short-lived store connection.
type InteractCmd struct {
	TaskID      string `required:"" help:"Task to interact with."`
	Feedback    string `help:"Feedback text. Starts a new iteration when set."`
	IterationID string `name:"iteration-id" help:"Existing iteration id, for --complete or --diff."`
	Complete    bool   `help:"Mark --iteration-id done rather than starting a new one."`
	Diff        bool   `help:"Print the before/after diff for --iteration-id."`
}

func (c *InteractCmd) Run(cli *CLI) error {
	ctx := context.Background()

	_ = config.LoadEnvFiles()
	cfg, loader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	log := logger.GetLogger()

	dbPool := config.NewDBPool()
	defer dbPool.Close()

	st, err := store.Open(ctx, dbPool, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(log)
	mgr := interaction.New(st, bus)

	switch {
	case c.Diff:
		if c.IterationID == "" {
			return fmt.Errorf("--iteration-id is required with --diff")
		}
		diff, err := mgr.GetIterationDiff(ctx, c.TaskID, c.IterationID)
		if err != nil {
			return err
		}
		return printJSON(diff)

	case c.Complete:
		if c.IterationID == "" {
			return fmt.Errorf("--iteration-id is required with --complete")
		}
		if err := mgr.CompleteIteration(ctx, c.TaskID, c.IterationID); err != nil {
			return err
		}
		fmt.Printf("iteration %s marked complete\n", c.IterationID)
		return nil

	default:
		if c.Feedback == "" {
			return fmt.Errorf("--feedback is required to start a new iteration")
		}
		iterID, err := mgr.IterateTask(ctx, c.TaskID, c.Feedback, "")
		if err != nil {
			return err
		}
		fmt.Printf("iteration %s started\n", iterID)
		return nil
	}
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
