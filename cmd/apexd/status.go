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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusCmd queries a running daemon's status endpoint.
type StatusCmd struct {
	Addr    string        `help:"Daemon status address." default:"localhost:9090"`
	Timeout time.Duration `help:"Request timeout." default:"5s"`
}

func (c *StatusCmd) Run(cli *CLI) error {
	client := &http.Client{Timeout: c.Timeout}

	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", c.Addr))
	if err != nil {
		return fmt.Errorf("query daemon at %s: %w", c.Addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Printf("daemon unavailable (HTTP %d): %s\n", resp.StatusCode, string(body))
		return nil
	}

	var report map[string]any
	if err := json.Unmarshal(body, &report); err != nil {
		fmt.Println(string(body))
		return nil
	}

	pretty, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
