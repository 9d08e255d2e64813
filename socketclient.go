package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/supervisor"
)

// controlDialTimeout bounds how long a CLI command waits to reach the
// daemon's control socket before giving up.
const controlDialTimeout = 5 * time.Second

// controlClient is a short-lived connection to the control socket, used by
// status/pause/resume to query or drive the running daemon.
type controlClient struct {
	conn net.Conn
}

// parseListenerAddress splits a listener_address config value of the form
// "unix:/path/to/sock" or "tcp:host:port" into the network and address
// net.Dial/net.Listen expect.
func parseListenerAddress(raw string) (network, address string, err error) {
	network, address, found := strings.Cut(raw, ":")
	if !found || network == "" || address == "" {
		return "", "", fmt.Errorf("listener_address %q must be of the form \"unix:/path\" or \"tcp:host:port\"", raw)
	}

	if network != "unix" && network != "tcp" {
		return "", "", fmt.Errorf("listener_address %q: unsupported network %q (want unix or tcp)", raw, network)
	}

	return network, address, nil
}

// dialControl opens and authenticates a connection to the control socket
// at network/address, as split from listener_address by
// parseListenerAddress.
func dialControl(network, address, secret string) (*controlClient, error) {
	conn, err := net.DialTimeout(network, address, controlDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket: %w", err)
	}

	if err := supervisor.WriteFrame(conn, []byte(secret)); err != nil {
		conn.Close()

		return nil, fmt.Errorf("authenticating to control socket: %w", err)
	}

	return &controlClient{conn: conn}, nil
}

func (c *controlClient) Close() error {
	return c.conn.Close()
}

// send issues one command and returns the daemon's response.
func (c *controlClient) send(cmd supervisor.Command) (supervisor.Response, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return supervisor.Response{}, fmt.Errorf("encoding command: %w", err)
	}

	if err := supervisor.WriteFrame(c.conn, payload); err != nil {
		return supervisor.Response{}, fmt.Errorf("sending command: %w", err)
	}

	raw, err := supervisor.ReadFrame(c.conn)
	if err != nil {
		return supervisor.Response{}, fmt.Errorf("reading response: %w", err)
	}

	var resp supervisor.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return supervisor.Response{}, fmt.Errorf("decoding response: %w", err)
	}

	return resp, nil
}
