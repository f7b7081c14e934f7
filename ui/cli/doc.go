// Copyright (c) 2026 Hostmove Team
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the hostmove command-line interface using Cobra.
// It loads configuration, wires storage and history and delegates every
// operation to the facades in internal/core. CLI code stays thin: it parses
// flags, prints the final summary and maps it onto the process exit code.
package cli
