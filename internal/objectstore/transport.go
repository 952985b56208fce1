// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package objectstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// Message types on the object-store IPC socket (spec §6).
const (
	msgObjectSealed  byte = 1
	msgObjectEvicted byte = 2
	msgFetch         byte = 3
)

// SocketTransport issues FETCH requests over the local object-store's unix
// socket and reads OBJECT_SEALED/OBJECT_EVICTED notifications off it,
// forwarding them to a Client's broadcaster. Framing mirrors the worker IPC
// socket: {message_type: u8, length: u64, payload}.
type SocketTransport struct {
	logger hclog.Logger
	conn   net.Conn
}

// DialSocketTransport connects to the object store's local socket.
func DialSocketTransport(logger hclog.Logger, network, address string) (*SocketTransport, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("objectstore: dialing %s: %w", address, err)
	}
	return &SocketTransport{logger: logger.Named("objectstore_socket"), conn: conn}, nil
}

// Fetch sends a FETCH{oid} message.
func (s *SocketTransport) Fetch(ctx context.Context, oid taskspec.ObjectId) error {
	return writeFrame(s.conn, msgFetch, oid[:])
}

// Pump reads notification frames from the socket until it closes, invoking
// onSealed/onEvicted for each. Intended to run on its own goroutine, handing
// decoded oids back onto the engine's event-loop channel rather than calling
// into engine state directly.
func (s *SocketTransport) Pump(onSealed, onEvicted func(taskspec.ObjectId)) error {
	for {
		msgType, payload, err := readFrame(s.conn)
		if err != nil {
			return err
		}
		if len(payload) != taskspec.IDLength {
			s.logger.Warn("malformed object-store frame", "length", len(payload))
			continue
		}
		var oid taskspec.ObjectId
		copy(oid[:], payload)
		switch msgType {
		case msgObjectSealed:
			onSealed(oid)
		case msgObjectEvicted:
			onEvicted(oid)
		default:
			s.logger.Warn("unknown object-store message type", "type", msgType)
		}
	}
}

func writeFrame(conn net.Conn, msgType byte, payload []byte) error {
	header := make([]byte, 9)
	header[0] = msgType
	binary.BigEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("objectstore: writing frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("objectstore: writing frame payload: %w", err)
	}
	return nil
}

func readFrame(conn net.Conn) (byte, []byte, error) {
	header := make([]byte, 9)
	if _, err := fillBuffer(conn, header); err != nil {
		return 0, nil, err
	}
	msgType := header[0]
	length := binary.BigEndian.Uint64(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := fillBuffer(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}

func fillBuffer(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
