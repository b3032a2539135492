// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Tether components.
//
// Configuration is loaded from a single file specified by either the
// TETHER_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter: a
// missing sidecar socket is an error rather than a silent fallback to
// cold-path-only publishing.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${TETHER_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Presence, Publisher, Relay
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [LoadRoutes] -- JSONC effect-routing table for the publisher
//
// This package depends on no other Tether packages.
package config
