// Package wire defines the binary framing used between relink peers. A frame
// carries one batch of correlated messages so that a batch is written, and
// fails, as a single physical unit.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Constants for the wire protocol.
const (
	// MagicBytes identifies relink binary protocol frames.
	MagicBytes uint32 = 0x524C4E4B // "RLNK"

	// CurrentVersion is the current protocol version.
	CurrentVersion uint16 = 0x0001

	// MinVersion is the minimum supported protocol version.
	MinVersion uint16 = 0x0001

	// MaxVersion is the maximum supported protocol version.
	MaxVersion uint16 = 0x0001

	// HeaderSize is the size of the fixed header.
	HeaderSize = 12 // 4 (magic) + 2 (version) + 2 (type) + 4 (length)

	// MaxFramePayload bounds a frame payload (16MB).
	MaxFramePayload = 16 * 1024 * 1024

	// MaxBatchMessages bounds the number of messages in one frame.
	MaxBatchMessages = 4096

	// MaxCorrelationIDLen bounds a message correlation id.
	MaxCorrelationIDLen = 255
)

// FrameType represents the type of frame.
type FrameType uint16

const (
	// FrameTypeBatch carries a batch of application messages. Other values
	// are reserved for future protocol revisions.
	FrameTypeBatch FrameType = 0x0001
)

// Message is one correlated payload inside a batch frame. The payload is
// opaque to this layer; the id is the caller-supplied correlation key.
type Message struct {
	ID      string
	Payload []byte
}

// EncodedSize returns the number of payload bytes the message occupies
// inside a batch frame.
func (m Message) EncodedSize() int {
	return 1 + len(m.ID) + 4 + len(m.Payload)
}

// Frame represents a wire protocol frame.
type Frame struct {
	Version uint16
	Type    FrameType
	Payload []byte
}

// Encode writes the frame to w.
func (f *Frame) Encode(w io.Writer) error {
	if len(f.Payload) > MaxFramePayload {
		return fmt.Errorf("frame payload too large: %d bytes", len(f.Payload))
	}

	if err := binary.Write(w, binary.BigEndian, MagicBytes); err != nil {
		return fmt.Errorf("failed to write magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, f.Version); err != nil {
		return fmt.Errorf("failed to write version: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, f.Type); err != nil {
		return fmt.Errorf("failed to write frame type: %w", err)
	}

	payloadLen := uint32(len(f.Payload)) // #nosec G115 - bounded above
	if err := binary.Write(w, binary.BigEndian, payloadLen); err != nil {
		return fmt.Errorf("failed to write payload length: %w", err)
	}

	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	}

	return nil
}

// Decode reads one frame from r.
func Decode(r io.Reader) (*Frame, error) {
	header, err := readFrameHeader(r)
	if err != nil {
		return nil, err
	}

	payload, err := readFramePayload(r, header.payloadLen)
	if err != nil {
		return nil, err
	}

	return &Frame{
		Version: header.version,
		Type:    FrameType(header.frameType),
		Payload: payload,
	}, nil
}

// frameHeader holds the decoded frame header.
type frameHeader struct {
	version    uint16
	frameType  uint16
	payloadLen uint32
}

// readFrameHeader reads and validates the frame header.
func readFrameHeader(r io.Reader) (*frameHeader, error) {
	if err := validateMagicBytes(r); err != nil {
		return nil, err
	}

	version, err := readVersion(r)
	if err != nil {
		return nil, err
	}

	var frameType uint16
	if err := binary.Read(r, binary.BigEndian, &frameType); err != nil {
		return nil, fmt.Errorf("failed to read frame type: %w", err)
	}

	payloadLen, err := readPayloadLength(r)
	if err != nil {
		return nil, err
	}

	return &frameHeader{
		version:    version,
		frameType:  frameType,
		payloadLen: payloadLen,
	}, nil
}

// validateMagicBytes reads and validates magic bytes.
func validateMagicBytes(r io.Reader) error {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return fmt.Errorf("failed to read magic bytes: %w", err)
	}

	if magic != MagicBytes {
		return fmt.Errorf("invalid magic bytes: 0x%08X", magic)
	}

	return nil
}

// readVersion reads and validates the protocol version.
func readVersion(r io.Reader) (uint16, error) {
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}

	if version < MinVersion || version > MaxVersion {
		return 0, fmt.Errorf(
			"unsupported protocol version: 0x%04X (supported: 0x%04X-0x%04X)",
			version, MinVersion, MaxVersion,
		)
	}

	return version, nil
}

// readPayloadLength reads and validates the payload length.
func readPayloadLength(r io.Reader) (uint32, error) {
	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return 0, fmt.Errorf("failed to read payload length: %w", err)
	}

	if payloadLen > MaxFramePayload {
		return 0, fmt.Errorf("payload too large: %d bytes", payloadLen)
	}

	return payloadLen, nil
}

// readFramePayload reads the frame payload.
func readFramePayload(r io.Reader, payloadLen uint32) ([]byte, error) {
	if payloadLen == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	return payload, nil
}

// EncodeBatch encodes messages into a single batch frame.
//
// Layout of the batch payload, all integers big-endian:
//
//	count  uint16
//	repeated count times:
//	  idLen   uint8
//	  id      idLen bytes
//	  dataLen uint32
//	  data    dataLen bytes
func EncodeBatch(msgs []Message) ([]byte, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	if len(msgs) > MaxBatchMessages {
		return nil, fmt.Errorf("batch too large: %d messages", len(msgs))
	}

	var payload bytes.Buffer

	count := uint16(len(msgs)) // #nosec G115 - bounded above
	if err := binary.Write(&payload, binary.BigEndian, count); err != nil {
		return nil, fmt.Errorf("failed to write batch count: %w", err)
	}

	for i, msg := range msgs {
		if err := encodeBatchEntry(&payload, msg); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}

	frame := &Frame{
		Version: CurrentVersion,
		Type:    FrameTypeBatch,
		Payload: payload.Bytes(),
	}

	var buf bytes.Buffer
	if err := frame.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeBatchEntry(w io.Writer, msg Message) error {
	if len(msg.ID) > MaxCorrelationIDLen {
		return fmt.Errorf("correlation id too long: %d bytes", len(msg.ID))
	}

	idLen := uint8(len(msg.ID)) // #nosec G115 - bounded above
	if err := binary.Write(w, binary.BigEndian, idLen); err != nil {
		return fmt.Errorf("failed to write id length: %w", err)
	}

	if _, err := io.WriteString(w, msg.ID); err != nil {
		return fmt.Errorf("failed to write id: %w", err)
	}

	dataLen := uint32(len(msg.Payload)) // #nosec G115 - frame cap applies
	if err := binary.Write(w, binary.BigEndian, dataLen); err != nil {
		return fmt.Errorf("failed to write data length: %w", err)
	}

	if _, err := w.Write(msg.Payload); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	return nil
}

// DecodeBatch decodes a batch frame produced by EncodeBatch.
func DecodeBatch(data []byte) ([]Message, error) {
	frame, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	if frame.Type != FrameTypeBatch {
		return nil, fmt.Errorf("unexpected frame type: 0x%04X", uint16(frame.Type))
	}

	r := bytes.NewReader(frame.Payload)

	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read batch count: %w", err)
	}

	if count == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	msgs := make([]Message, 0, count)

	for i := 0; i < int(count); i++ {
		msg, err := decodeBatchEntry(r)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}

		msgs = append(msgs, msg)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after batch: %d", r.Len())
	}

	return msgs, nil
}

func decodeBatchEntry(r *bytes.Reader) (Message, error) {
	var idLen uint8
	if err := binary.Read(r, binary.BigEndian, &idLen); err != nil {
		return Message{}, fmt.Errorf("failed to read id length: %w", err)
	}

	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return Message{}, fmt.Errorf("failed to read id: %w", err)
	}

	var dataLen uint32
	if err := binary.Read(r, binary.BigEndian, &dataLen); err != nil {
		return Message{}, fmt.Errorf("failed to read data length: %w", err)
	}

	if dataLen > MaxFramePayload {
		return Message{}, fmt.Errorf("data too large: %d bytes", dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("failed to read data: %w", err)
	}

	return Message{ID: string(id), Payload: data}, nil
}

// IsVersionSupported checks if a version is within the supported range.
func IsVersionSupported(version uint16) bool {
	return version >= MinVersion && version <= MaxVersion
}
