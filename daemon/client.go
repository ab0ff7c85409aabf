package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// BuildClient is the daemon's control-protocol client surface.
type BuildClient interface {
	StartBuild(req StartBuildRequest) (string, error)
	Status(id string) (BuildStatus, error)
	Cancel(id string) error
	List() ([]BuildStatus, error)
}

// Client talks to a running daemon over its unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

var _ BuildClient = (*Client)(nil)

// NewClient returns a client for the daemon at socketPath. An empty path
// selects the default socket.
func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// StartBuild schedules a build and returns its ID.
func (c *Client) StartBuild(req StartBuildRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.send(IPCRequest{Command: CommandStart, Payload: payload}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// Status returns the state of one build.
func (c *Client) Status(id string) (BuildStatus, error) {
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return BuildStatus{}, err
	}
	var status BuildStatus
	if err := c.send(IPCRequest{Command: CommandStatus, Payload: payload}, &status); err != nil {
		return BuildStatus{}, err
	}
	return status, nil
}

// Cancel terminates a running build.
func (c *Client) Cancel(id string) error {
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return err
	}
	return c.send(IPCRequest{Command: CommandCancel, Payload: payload}, nil)
}

// List returns every build the daemon knows about.
func (c *Client) List() ([]BuildStatus, error) {
	var statuses []BuildStatus
	if err := c.send(IPCRequest{Command: CommandList}, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}
