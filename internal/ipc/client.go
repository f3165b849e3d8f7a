package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client communicates with the daemon over a Unix domain socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new IPC client that connects to the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    requestTimeout,
	}
}

// Ping tests if the daemon is alive.
func (c *Client) Ping() error {
	_, err := c.send(Request{Command: CmdPing}, c.timeout)
	return err
}

// Status returns the daemon's status data.
func (c *Client) Status() (*StatusData, error) {
	var status StatusData
	if err := c.call(CmdStatus, c.timeout, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Flush asks the daemon to deliver every pending batch now.
func (c *Client) Flush() (*FlushData, error) {
	var data FlushData
	if err := c.call(CmdFlush, flushTimeout, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// RequestStop asks the daemon to shut down gracefully.
func (c *Client) RequestStop() error {
	_, err := c.send(Request{Command: CmdStop}, c.timeout)
	return err
}

// call sends command and decodes the response data into out.
func (c *Client) call(command string, timeout time.Duration, out interface{}) error {
	resp, err := c.send(Request{Command: command}, timeout)
	if err != nil {
		return err
	}
	// Data arrives as a generic map; round-trip it into out.
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", command, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", command, err)
	}
	return nil
}

// send dials the socket, writes one request line and reads one response.
func (c *Client) send(req Request, timeout time.Duration) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("empty response from daemon")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return &resp, nil
}
