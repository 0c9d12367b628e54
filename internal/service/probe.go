package service

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Web probe outcomes.
const (
	ProbeRunning       = "running"
	ProbeNotListening  = "not_listening"
	ProbeNotResponding = "not_responding"
)

// probeWeb checks the local side of a service: first a plain TCP connect,
// then an HTTP GET. Any HTTP status code counts as running; the probe only
// distinguishes "nothing bound", "bound but not speaking HTTP", and
// "serving".
func probeWeb(ctx context.Context, port int, timeout time.Duration) string {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ProbeNotListening
	}
	conn.Close()

	client := http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/", addr), nil)
	if err != nil {
		return ProbeNotResponding
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeNotResponding
	}
	resp.Body.Close()
	return ProbeRunning
}
