// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config manages the gateway's configuration lifecycle: layered
loading, runtime hot reload, change auditing, and an HTTP admin surface.
Configuration is merged in priority order: defaults -> YAML file ->
environment variables.

# Core types

  - Config: the top-level aggregate, covering Server, Log, Telemetry,
    Database, Redis, VirtualKeys, Backends, Router, Retry, Cache, MCP
    and Pricing.
  - Loader: a builder that chains a config file path, an environment
    variable prefix, and custom validators.
  - HotReloadManager: watches a config file and applies validated diffs
    to the live Config, either from disk or via a single field update.
  - FileWatcher: a polling-plus-debounce file change detector.
  - ConfigAPIHandler: an HTTP handler exposing config read, update,
    reload and change-history endpoints.

# Capabilities

  - Multi-source loading: YAML file, environment variables (DITTO_
    prefix by default), and built-in defaults.
  - Hot reload: automatic on file write, or triggered via the API, with
    per-field granularity.
  - Secret hygiene: sensitive fields (passwords, tokens, API keys) are
    redacted before leaving the process via SanitizedConfig.
  - Change auditing: a bounded in-memory change log with source and
    timestamp per entry.
  - Validation: built-in invariant checks plus custom validator hooks.

# Example

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("DITTO").
		Load()
*/
package config
