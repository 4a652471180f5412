package bindings

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fenceworks/fence/internal/ipc"
)

// Channel is a bidirectional byte channel between the host and one
// sandboxed worker, created before the worker is spawned. The child end
// is handed to the worker process as an inherited file descriptor.
type Channel struct {
	host  *os.File
	child *os.File
}

// NewChannel creates the socket pair backing one worker's binding calls.
func NewChannel() (*Channel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating binding socketpair: %w", err)
	}
	return &Channel{
		host:  os.NewFile(uintptr(fds[0]), "binding-host"),
		child: os.NewFile(uintptr(fds[1]), "binding-child"),
	}, nil
}

// ChildFile returns the end to transfer into the sandbox.
func (c *Channel) ChildFile() *os.File { return c.child }

// Close closes both ends.
func (c *Channel) Close() error {
	c.child.Close()
	return c.host.Close()
}

// Server drains binding invocations arriving from one sandbox and
// answers them synchronously from the registry.
type Server struct {
	registry *Registry
	conn     *os.File

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewServer builds a server over the host end of a channel.
func NewServer(registry *Registry, ch *Channel) *Server {
	return &Server{registry: registry, conn: ch.host, done: make(chan struct{})}
}

// Start launches the reader loop. Safe to call once.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.serve()
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		var bio BindingIO
		if err := ipc.ReadFrame(s.conn, &bio); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Printf("binding channel closed: %v", err)
			}
			return
		}
		s.registry.Dispatch(&bio)
		if err := ipc.WriteFrame(s.conn, &bio); err != nil {
			log.Printf("binding reply failed: %v", err)
			return
		}
	}
}

// Stop closes the host end; the reader loop exits and the sandbox side
// observes EOF on its next call.
func (s *Server) Stop() {
	s.conn.Close()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

// ChannelInvoker is the sandbox-side Invoker: it writes the invocation
// as one framed message on the inherited descriptor and blocks until
// the host answers.
type ChannelInvoker struct {
	mu   sync.Mutex
	conn *os.File
}

// NewChannelInvoker wraps the in-sandbox binding descriptor.
func NewChannelInvoker(fd int) *ChannelInvoker {
	return &ChannelInvoker{conn: os.NewFile(uintptr(fd), "binding-channel")}
}

// Invoke implements Invoker over the channel. Calls are serialized;
// the worker runs one execution at a time, so contention is rare.
func (c *ChannelInvoker) Invoke(bio *BindingIO) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ipc.WriteFrame(c.conn, bio); err != nil {
		return fmt.Errorf("sending binding invocation: %w", err)
	}
	var reply BindingIO
	if err := ipc.ReadFrame(c.conn, &reply); err != nil {
		return fmt.Errorf("reading binding reply: %w", err)
	}
	*bio = reply
	return nil
}

// Close releases the sandbox end.
func (c *ChannelInvoker) Close() error { return c.conn.Close() }
