// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ragmux/ragmux/pkg/ux"
)

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func runHealthCommand(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		ux.Error(fmt.Sprintf("could not reach %s: %v", serverURL, err))
		return
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		ux.Error(fmt.Sprintf("could not decode health response: %v", err))
		return
	}

	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		ux.Error(fmt.Sprintf("%s reported unhealthy (status %d)", serverURL, resp.StatusCode))
		return
	}
	ux.Success(fmt.Sprintf("%s is healthy as of %s", serverURL, health.Time))
}
