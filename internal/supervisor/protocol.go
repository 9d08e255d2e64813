// Package supervisor wires the program's background workers into a
// crash-restart supervision tree and exposes them through an
// authenticated control socket (spec.md §4.14, §6 "Control socket").
package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single length-framed payload; the control grammar
// never needs anything close to this.
const maxFrameSize = 1 << 20

// Command is a decoded control-socket request, wire-shaped as a JSON
// array `[verb, target, ...args]` (spec.md §6).
type Command struct {
	Verb   string
	Target string
	Args   []string
}

// UnmarshalJSON decodes the `[verb, target, ...args]` array shape.
func (c *Command) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	if len(parts) == 0 {
		return errors.New("decode command: empty")
	}

	c.Verb = parts[0]

	if len(parts) > 1 {
		c.Target = parts[1]
	}

	if len(parts) > 2 {
		c.Args = append([]string{}, parts[2:]...)
	}

	return nil
}

// MarshalJSON re-encodes a Command back to its wire array shape.
func (c Command) MarshalJSON() ([]byte, error) {
	parts := []string{c.Verb}

	if c.Target != "" {
		parts = append(parts, c.Target)
	}

	parts = append(parts, c.Args...)

	return json.Marshal(parts)
}

// Response is the control socket's reply envelope.
type Response struct {
	OK    bool   `json:"ok"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func okResponse(data string) Response {
	return Response{OK: true, Data: data}
}

func errResponse(format string, args ...any) Response {
	return Response{OK: false, Error: fmt.Sprintf(format, args...)}
}

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
// Exported so the control client (cmd-line side) can speak the same wire
// format without duplicating it.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte

	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte

	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("read frame: payload of %d bytes exceeds limit", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error { return WriteFrame(w, payload) }

func readFrame(r io.Reader) ([]byte, error) { return ReadFrame(r) }

func writeJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	return writeFrame(w, payload)
}

func readCommand(r io.Reader) (Command, error) {
	payload, err := readFrame(r)
	if err != nil {
		return Command{}, err
	}

	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, err
	}

	return cmd, nil
}
