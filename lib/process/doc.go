// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the binary entrypoint helper for syncshell
// commands. [Exit] is the one place raw error output happens before
// the structured logger exists: a command's run function returns an
// error, and main hands it to Exit.
package process
