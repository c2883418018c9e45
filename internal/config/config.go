// Copyright (C) 2024 metricq-grafana-go contributors.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the adapter's JSON configuration
// file against an embedded JSON Schema, then layers .env overrides for
// the two values that should not need to live in a checked-in file: the
// bus token and the CORS origin.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	return schemaFiles.Open(s)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchema
}

// Config is the program's JSON config file, defaults filled in by
// Default() before a file is decoded over it.
type Config struct {
	Addr               string  `json:"addr"`
	BusURL             string  `json:"bus-url"`
	BusToken           string  `json:"bus-token"`
	ManagementExchange string  `json:"management-exchange"`
	HistoryExchange    string  `json:"history-exchange"`
	RequestsPerSecond  float64 `json:"requests-per-second"`
	MetadataCacheTTL   string  `json:"metadata-cache-ttl"`
	CORSOrigin         string  `json:"cors-origin"`
	Debug              bool    `json:"debug"`
	Journal            string  `json:"journal"`
}

// Default returns the configuration a fresh install starts from; Load
// decodes the config file on top of this.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ManagementExchange: "metricq.management",
		HistoryExchange:    "historyExchange",
		MetadataCacheTTL:   "10m",
		CORSOrigin:         "*",
	}
}

// CacheTTL parses MetadataCacheTTL, the one field that reaches the
// program as a Go-native duration rather than a wire string.
func (c Config) CacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.MetadataCacheTTL)
}

// validate checks v (the decoded-to-interface{} config document) against
// the embedded JSON Schema.
func validate(v interface{}) error {
	s, err := jsonschema.Compile("embedFS://schemas/config.schema.json")
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("config: %s", err)
	}
	return nil
}

// Load reads path as JSON, validates it against the embedded schema, and
// overlays .env (loaded from envFile, if present) onto the bus token and
// CORS origin so secrets don't have to live in the checked-in file.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate(doc); err != nil {
		return cfg, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
	}
	if tok := os.Getenv("METRICQ_GRAFANA_BUS_TOKEN"); tok != "" {
		cfg.BusToken = tok
	}
	if origin := os.Getenv("METRICQ_GRAFANA_CORS_ORIGIN"); origin != "" {
		cfg.CORSOrigin = origin
	}

	return cfg, nil
}
