// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads the process's startup environment: bind address,
// store URL, vector cache directory, log level, and allowed CORS origins.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config holds every environment-sourced startup setting.
type Config struct {
	BindAddr    string
	StoreURL    string
	VectorDir   string
	LogLevel    string
	CorsOrigins []string
}

// Load reads BIND_ADDR, STORE_URL, VECTOR_DIR, LOG_LEVEL, and CORS_ORIGINS
// from the environment, applying the same default-on-empty behavior as
// getEnvString. STORE_URL and VECTOR_DIR have no default: their absence is
// a configuration error the caller should surface as exit code 1.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:  getEnvString("BIND_ADDR", ":8080"),
		StoreURL:  os.Getenv("STORE_URL"),
		VectorDir: os.Getenv("VECTOR_DIR"),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cfg.CorsOrigins = append(cfg.CorsOrigins, trimmed)
			}
		}
	}

	if cfg.StoreURL == "" {
		return Config{}, fmt.Errorf("config: STORE_URL is required")
	}
	if cfg.VectorDir == "" {
		return Config{}, fmt.Errorf("config: VECTOR_DIR is required")
	}
	return cfg, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
