// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
)

// ConnID identifies an accepted connection before the engine has learned its
// worker id from a REGISTER_WORKER message.
type ConnID uint64

// Handler is how the event loop is told about connection lifecycle and
// framed messages. All methods are called from Listener's own goroutines,
// so implementations (the engine) must hand work back onto their single
// event-loop thread via a channel rather than mutating state directly.
type Handler interface {
	OnConnect(id ConnID, conn net.Conn)
	OnFrame(id ConnID, frame Frame)
	OnClose(id ConnID)
}

// Listener accepts worker connections on a unix socket and runs one read
// loop per connection, modeled on nomad's client/logmon unix-socket accept
// pattern: a single Accept loop hands each connection to its own reader
// goroutine, and reader goroutines never touch shared state directly.
type Listener struct {
	logger  hclog.Logger
	ln      net.Listener
	handler Handler

	nextID ConnID
}

// Listen opens network/address (typically "unix", a socket path) and
// returns a Listener ready to Serve.
func Listen(logger hclog.Logger, network, address string, handler Handler) (*Listener, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: listening on %s %s: %w", network, address, err)
	}
	return &Listener{logger: logger.Named("ipc"), ln: ln, handler: handler}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed, spawning one read
// loop per connection. It returns once Close is called or Accept errors.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return err
		}
		l.nextID++
		id := l.nextID
		l.handler.OnConnect(id, conn)
		go l.readLoop(id, conn)
	}
}

func (l *Listener) readLoop(id ConnID, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		l.handler.OnClose(id)
	}()

	r := bufio.NewReader(conn)
	for {
		frame, err := ReadFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug("connection read loop ending", "conn_id", id, "error", err)
			}
			return
		}
		l.handler.OnFrame(id, frame)
	}
}
