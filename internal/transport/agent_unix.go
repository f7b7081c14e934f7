//go:build !windows
// +build !windows

// Copyright (c) 2025 ToeiRei
// Hostmove - server state migration engine
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"net"
	"os"

	"golang.org/x/crypto/ssh/agent"
)

// sshAgent connects to the agent behind SSH_AUTH_SOCK, if any.
func sshAgent() agent.Agent {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	return agent.NewClient(conn)
}
