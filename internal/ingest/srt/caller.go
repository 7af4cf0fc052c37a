package srt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// ErrDialAborted is returned by Dial when its abort predicate fired.
var ErrDialAborted = errors.New("SRT dial aborted")

// DefaultDialTimeout bounds a caller-mode handshake.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener to pull from.
type PullRequest struct {
	Address  string `json:"address"`
	StreamID string `json:"streamId,omitempty"`
}

// ParseURL splits an srt://host:port?streamid=x URL into a PullRequest.
func ParseURL(raw string) (PullRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PullRequest{}, fmt.Errorf("parse SRT url: %w", err)
	}
	if u.Scheme != "srt" {
		return PullRequest{}, fmt.Errorf("not an SRT url: %q", raw)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return PullRequest{}, fmt.Errorf("SRT url needs host:port: %w", err)
	}
	return PullRequest{Address: u.Host, StreamID: u.Query().Get("streamid")}, nil
}

// Conn is a caller-mode connection yielding the remote transport stream.
type Conn struct {
	conn      *srtgo.Conn
	req       PullRequest
	closeOnce sync.Once
}

// Read reads the next SRT payload into p.
func (c *Conn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

// RemoteAddr returns the address dialed.
func (c *Conn) RemoteAddr() string {
	return c.req.Address
}

// Close closes the connection. It may be called repeatedly.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Dial connects to a remote SRT listener. The handshake runs in its own
// goroutine; if the timeout elapses, ctx ends, or abort reports true first,
// Dial returns and any connection completing later is closed in the
// background.
func Dial(ctx context.Context, req PullRequest, timeout time.Duration, abort func() bool) (*Conn, error) {
	if req.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if req.StreamID != "" {
		cfg.StreamID = req.StreamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	// Drain the dial result in the background and close any leaked connection.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("SRT dial failed: %w", res.err)
			}
			return &Conn{conn: res.conn, req: req}, nil
		case <-timer.C:
			abandon()
			return nil, fmt.Errorf("SRT dial timed out after %s", timeout)
		case <-ctx.Done():
			abandon()
			return nil, ctx.Err()
		case <-poll.C:
			if abort != nil && abort() {
				abandon()
				return nil, ErrDialAborted
			}
		}
	}
}
