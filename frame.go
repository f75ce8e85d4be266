package docsync

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/coedit/docsync/protocol"
)

func ToFrame(message any) (*protocol.Frame, error) {
	var messageType protocol.MessageType
	switch v := message.(type) {
	case *protocol.Handshake:
		messageType = protocol.MessageTypeSyncHandshake
	case *protocol.HandshakeResult:
		messageType = protocol.MessageTypeSyncHandshakeResult
	case *protocol.Operation:
		messageType = protocol.MessageTypeSyncOperation
	case *protocol.Awareness:
		messageType = protocol.MessageTypeAwarenessUpdate
	case *protocol.AwarenessLeave:
		messageType = protocol.MessageTypeAwarenessLeave
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := msgpack.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &protocol.Frame{
		MessageType:  messageType,
		MessageBytes: b,
	}, nil
}

func RequireToFrame(message any) *protocol.Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *protocol.Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case protocol.MessageTypeSyncHandshake:
		message = &protocol.Handshake{}
	case protocol.MessageTypeSyncHandshakeResult:
		message = &protocol.HandshakeResult{}
	case protocol.MessageTypeSyncOperation:
		message = &protocol.Operation{}
	case protocol.MessageTypeAwarenessUpdate:
		message = &protocol.Awareness{}
	case protocol.MessageTypeAwarenessLeave:
		message = &protocol.AwarenessLeave{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	err := msgpack.Unmarshal(frame.MessageBytes, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func RequireFromFrame(frame *protocol.Frame) any {
	message, err := FromFrame(frame)
	if err != nil {
		panic(err)
	}
	return message
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(frame)
}

func DecodeFrame(b []byte) (any, error) {
	frame := &protocol.Frame{}
	err := msgpack.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
