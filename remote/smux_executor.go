package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

// DefaultAgentPort is the TCP port the per-host agent listens on.
const DefaultAgentPort = 58640

type request struct {
	Command string `json:"command"`
}

type response struct {
	Output Output `json:"output"`
	Error  string `json:"error,omitempty"`
}

func defaultSmuxConfig() *smux.Config {
	return &smux.Config{
		Version:           1,
		KeepAliveInterval: 5 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		MaxFrameSize:      65535,
		MaxReceiveBuffer:  4194304,
		MaxStreamBuffer:   131072,
	}
}

// SmuxExecutor delivers commands to per-host agents over a multiplexed TCP
// session, one smux stream per command. Sessions are cached per host and
// replaced when they die.
type SmuxExecutor struct {
	Port        int
	DialTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*smux.Session
}

func NewSmuxExecutor() *SmuxExecutor {
	return &SmuxExecutor{
		Port:        DefaultAgentPort,
		DialTimeout: 5 * time.Second,
		sessions:    make(map[string]*smux.Session),
	}
}

func (e *SmuxExecutor) session(host string) (*smux.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[host]; ok && !s.IsClosed() {
		return s, nil
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", e.Port))
	conn, err := net.DialTimeout("tcp", addr, e.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing agent on %s: %w", addr, err)
	}
	s, err := smux.Client(conn, defaultSmuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smux handshake with %s: %w", addr, err)
	}
	e.sessions[host] = s
	log.Infof("remote: new agent session to %s", addr)
	return s, nil
}

func (e *SmuxExecutor) Run(ctx context.Context, host, command string) (Output, error) {
	s, err := e.session(host)
	if err != nil {
		return Output{}, err
	}

	stream, err := s.OpenStream()
	if err != nil {
		// Session went stale; drop it so the next call redials.
		e.mu.Lock()
		delete(e.sessions, host)
		e.mu.Unlock()
		return Output{}, fmt.Errorf("opening stream to %s: %w", host, err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := json.NewEncoder(stream).Encode(request{Command: command}); err != nil {
		return Output{}, fmt.Errorf("sending command to %s: %w", host, err)
	}
	var resp response
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		return Output{}, fmt.Errorf("reading result from %s: %w", host, err)
	}
	if resp.Error != "" {
		return resp.Output, fmt.Errorf("agent on %s: %s", host, resp.Error)
	}
	return resp.Output, nil
}

// Close tears down every cached session.
func (e *SmuxExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, s := range e.sessions {
		s.Close()
		delete(e.sessions, host)
	}
}
