// Package net holds small networking helpers for tests.
package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort grabs a free TCP port from the OS and releases it, for
// tests that need to know a listen port ahead of time.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// EphemeralListenAddr returns a loopback host:port with a free port, plus the
// port on its own for clients that dial it.
func EphemeralListenAddr() (string, int, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("127.0.0.1:%d", port), port, nil
}
