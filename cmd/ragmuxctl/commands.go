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
	"github.com/spf13/cobra"
)

var (
	serverURL string
	userId    string
	sessionId string
	message   string
)

var (
	rootCmd = &cobra.Command{
		Use:   "ragmuxctl",
		Short: "Operator CLI for a running ragmux server",
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session against /chat/stream",
		Run:   runChatCommand,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Checks a ragmux server's /health endpoint",
		Run:   runHealthCommand,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the ragmux server")
	rootCmd.PersistentFlags().StringVar(&userId, "user", "ctl", "user_id to act as")

	chatCmd.Flags().StringVar(&sessionId, "session", "", "Session id to resume; a new one is generated when empty")
	chatCmd.Flags().StringVarP(&message, "message", "m", "", "Send a single message and exit instead of starting an interactive session")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(healthCmd)
}
