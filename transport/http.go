package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultHost and DefaultPort address the vendor connector daemon
// running locally.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 12345
)

// HTTP posts raw frames to a local connector daemon's /connector/api
// endpoint, taking a context and a configurable host/port instead of a
// single preformatted address string.
type HTTP struct {
	client *http.Client
	base   string
}

// NewHTTP builds an HTTP transport targeting host:port. An empty host
// defaults to DefaultHost; a zero port defaults to DefaultPort.
func NewHTTP(host string, port int) *HTTP {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	return &HTTP{
		client: http.DefaultClient,
		base:   "http://" + host + ":" + strconv.Itoa(port),
	}
}

// Send implements Transport.
func (h *HTTP) Send(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/connector/api", bytes.NewReader(frame))
	if err != nil {
		return nil, &Error{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, &Error{Op: "post", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &Error{Op: "post", Err: fmt.Errorf("connector returned status %d", res.StatusCode)}
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &Error{Op: "read response", Err: err}
	}
	return data, nil
}

// Status implements Transport by parsing the connector's plaintext
// key=value status page, hardened against short/malformed responses.
func (h *HTTP) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/connector/status", nil)
	if err != nil {
		return Status{}, &Error{Op: "build status request", Err: err}
	}

	res, err := h.client.Do(req)
	if err != nil {
		return Status{}, &Error{Op: "get status", Err: err}
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return Status{}, &Error{Op: "read status", Err: err}
	}

	fields := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		fields[kv[0]] = kv[1]
	}

	return Status{
		Connected:       fields["status"] == "OK",
		SerialNumber:    fields["serial"],
		FirmwareVersion: fields["version"],
	}, nil
}

// Close implements Transport; the HTTP transport holds no persistent
// connection to release.
func (h *HTTP) Close() error {
	return nil
}
