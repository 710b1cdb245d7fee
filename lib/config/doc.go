// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for syncshell
// nodes.
//
// Configuration is loaded from a single file specified by either the
// SYNCSHELL_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There is no automatic file search. Fields the
// file omits keep the values from [Default]; unknown fields are an
// error.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${SYNCSHELL_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Loaded configurations are checked with validator struct tags.
// [Config.Validate] reports every violation at once, each named by its
// YAML path (for example "membership.quorum").
//
// This package depends on no other syncshell packages.
package config
