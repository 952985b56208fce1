// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package ipc is the Event Loop & IPC component (spec §4's ninth row, §6):
// length-prefixed framing over each connected worker's stream socket, and
// the message types the engine accepts and emits.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/hashicorp/nomad-local-scheduler/internal/taskspec"
)

// MessageType identifies the payload shape of a framed message (spec §6).
type MessageType byte

const (
	// Incoming, from a worker.
	RegisterWorker MessageType = iota + 1
	SubmitTask
	GetTask
	TaskDone
	ReconstructObject
	NotifyUnblocked
	Disconnect

	// Outgoing, to a worker.
	ExecuteTask
)

func (t MessageType) String() string {
	switch t {
	case RegisterWorker:
		return "REGISTER_WORKER"
	case SubmitTask:
		return "SUBMIT_TASK"
	case GetTask:
		return "GET_TASK"
	case TaskDone:
		return "TASK_DONE"
	case ReconstructObject:
		return "RECONSTRUCT_OBJECT"
	case NotifyUnblocked:
		return "NOTIFY_UNBLOCKED"
	case Disconnect:
		return "DISCONNECT"
	case ExecuteTask:
		return "EXECUTE_TASK"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// RegisterWorkerPayload carries REGISTER_WORKER's fields.
type RegisterWorkerPayload struct {
	PID      int
	ActorId  taskspec.ActorId
	HasActor bool
}

// TaskPayload carries a serialized TaskSpec, for both SUBMIT_TASK and
// EXECUTE_TASK.
type TaskPayload struct {
	Function   string
	Args       []taskspec.ObjectId
	NumReturns int
	CPU        int
	GPU        int
	ActorId    taskspec.ActorId
}

// ReconstructObjectPayload carries RECONSTRUCT_OBJECT's field.
type ReconstructObjectPayload struct {
	ObjectId taskspec.ObjectId
}

// ToTaskPayload converts a TaskSpec to its wire form.
func ToTaskPayload(spec *taskspec.TaskSpec) TaskPayload {
	return TaskPayload{
		Function:   spec.Function,
		Args:       spec.Args,
		NumReturns: spec.NumReturns,
		CPU:        spec.Resources.CPU,
		GPU:        spec.Resources.GPU,
		ActorId:    spec.ActorId,
	}
}

// ToTaskSpec converts a wire payload back into a TaskSpec, recomputing its id.
func (p TaskPayload) ToTaskSpec() (*taskspec.TaskSpec, error) {
	return taskspec.New(p.Function, p.Args, p.NumReturns, taskspec.ResourceDemand{CPU: p.CPU, GPU: p.GPU}, p.ActorId)
}

var mh = &msgpack.MsgpackHandle{}

// Frame is one decoded message off a worker socket.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// WriteFrame writes {message_type: u8, length: u64, payload} to w.
func WriteFrame(w io.Writer, msgType MessageType, payload []byte) error {
	header := make([]byte, 9)
	header[0] = byte(msgType)
	binary.BigEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("ipc: writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r, blocking until a full frame arrives or
// the connection errors/closes.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	msgType := MessageType(header[0])
	length := binary.BigEndian.Uint64(header[1:])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("ipc: reading frame payload: %w", err)
		}
	}
	return Frame{Type: msgType, Payload: payload}, nil
}

// EncodePayload msgpack-encodes v for inclusion in a frame, the same
// stream-oriented codec.NewEncoder/NewDecoder shape nomad's monitor package
// uses for its own frame payloads.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf, mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("ipc: encoding payload: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload msgpack-decodes payload into v.
func DecodePayload(payload []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(payload), mh)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("ipc: decoding payload: %w", err)
	}
	return nil
}

// WriteFrameTo is a convenience wrapper for a net.Conn destination.
func WriteFrameTo(conn net.Conn, msgType MessageType, v interface{}) error {
	payload, err := EncodePayload(v)
	if err != nil {
		return err
	}
	return WriteFrame(conn, msgType, payload)
}
