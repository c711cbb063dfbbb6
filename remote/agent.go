package remote

import (
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

// Handler executes one command on the agent's host and returns its captured
// output.
type Handler func(command string) (Output, error)

// ShellHandler runs commands through the local shell.
func ShellHandler(command string) (Output, error) {
	cmd := exec.Command("sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// Agent is the host-side command endpoint: one TCP listener, one smux
// session per dialer, one stream per command. Accepted connections are
// tracked so Close can cut sessions the dialer keeps alive.
type Agent struct {
	handler  Handler
	listener net.Listener
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewAgent starts an agent on addr (e.g. ":58640"). Pass a nil handler to
// get ShellHandler.
func NewAgent(addr string, handler Handler) (*Agent, error) {
	if handler == nil {
		handler = ShellHandler
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("agent listen on %s: %w", addr, err)
	}
	a := &Agent{handler: handler, listener: ln, conns: make(map[net.Conn]struct{})}
	a.wg.Add(1)
	go a.acceptLoop()
	log.Infof("remote: agent listening on %s", ln.Addr())
	return a, nil
}

// Addr is the listener's bound address.
func (a *Agent) Addr() net.Addr { return a.listener.Addr() }

func (a *Agent) acceptLoop() {
	defer a.wg.Done()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		a.wg.Add(1)
		go a.serveConn(conn)
	}
}

// track registers conn for teardown. It fails when the agent is already
// closing, so no connection slips past Close.
func (a *Agent) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.conns[conn] = struct{}{}
	return true
}

func (a *Agent) untrack(conn net.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
}

func (a *Agent) serveConn(conn net.Conn) {
	defer a.wg.Done()
	defer conn.Close()
	if !a.track(conn) {
		return
	}
	defer a.untrack(conn)

	session, err := smux.Server(conn, defaultSmuxConfig())
	if err != nil {
		log.Warnf("remote: smux handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer session.Close()

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer stream.Close()
			a.serveStream(stream)
		}()
	}
}

func (a *Agent) serveStream(stream *smux.Stream) {
	var req request
	if err := json.NewDecoder(stream).Decode(&req); err != nil {
		log.Warnf("remote: bad request on stream: %v", err)
		return
	}
	out, err := a.handler(req.Command)
	resp := response{Output: out}
	if err != nil {
		resp.Error = err.Error()
	}
	if err := json.NewEncoder(stream).Encode(resp); err != nil {
		log.Warnf("remote: failed to send response: %v", err)
	}
}

// Close stops the listener, severs every accepted connection and waits for
// in-flight streams. Cutting the connections matters: a dialer's smux
// keepalives hold its session open forever, so closing the listener alone
// would leave serveConn blocked in AcceptStream.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	conns := make([]net.Conn, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	a.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	a.wg.Wait()
}
