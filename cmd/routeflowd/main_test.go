package main

import (
	"testing"

	"routeflow/internal/config"
)

func TestSocketConfigUnixPathOnlyForUnixNetwork(t *testing.T) {
	cases := []struct {
		in       config.SocketConfig
		wantPath string
	}{
		{config.SocketConfig{Network: "tcp", Address: "127.0.0.1:7400"}, ""},
		{config.SocketConfig{Network: "unix", Address: "/run/routeflow.sock"}, "/run/routeflow.sock"},
	}
	for _, tc := range cases {
		got := socketConfig(tc.in, nil)
		if got.UnixSocketPath != tc.wantPath || got.Address != tc.in.Address || got.Network != tc.in.Network {
			t.Fatalf("socketConfig(%+v)=%+v", tc.in, got)
		}
	}
}
