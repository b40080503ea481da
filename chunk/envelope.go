package chunk

import (
	"encoding/base64"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// TypeChunk is the only message type carried on a transfer channel.
const TypeChunk = "chunk"

// Metadata limits, in bytes. They bound how far an envelope can outgrow its
// base64 payload.
const (
	MaxTransferIDLength = 128
	MaxFileNameLength   = 255
	MaxMimeTypeLength   = 255

	// EnvelopeOverhead covers field names, numbers and the metadata above
	// with every byte escaped to six characters.
	EnvelopeOverhead = 4096
)

// ErrMalformedEnvelope indicates a wire message that is missing a required
// field or carries values that can never be valid.
var ErrMalformedEnvelope = errors.New("chunk: malformed envelope")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is one chunk plus the transfer and file metadata that travels with it.
type Envelope struct {
	TransferID  string
	Index       int
	TotalChunks int
	Payload     []byte
	FileName    string
	MimeType    string
}

// wireEnvelope uses pointers so absent fields can be told apart from zero values.
type wireEnvelope struct {
	Type        *string `json:"type"`
	TransferID  *string `json:"transferId"`
	ChunkIndex  *int    `json:"chunkIndex"`
	TotalChunks *int    `json:"totalChunks"`
	Payload     *[]byte `json:"payload"`
	FileName    *string `json:"fileName"`
	MimeType    *string `json:"mimeType,omitempty"`
}

// Validate checks the envelope invariants. maxPayload <= 0 disables the
// payload length check.
func (e Envelope) Validate(maxPayload int) error {
	if e.TransferID == "" {
		return fmt.Errorf("%w: transferId is required", ErrMalformedEnvelope)
	}
	if e.TotalChunks < 1 {
		return fmt.Errorf("%w: totalChunks must be >= 1, got %d", ErrMalformedEnvelope, e.TotalChunks)
	}
	if e.Index < 0 || e.Index >= e.TotalChunks {
		return fmt.Errorf("%w: chunkIndex %d not in [0, %d)", ErrMalformedEnvelope, e.Index, e.TotalChunks)
	}
	if e.FileName == "" {
		return fmt.Errorf("%w: fileName is required", ErrMalformedEnvelope)
	}
	if len(e.TransferID) > MaxTransferIDLength {
		return fmt.Errorf("%w: transferId longer than %d bytes", ErrMalformedEnvelope, MaxTransferIDLength)
	}
	if len(e.FileName) > MaxFileNameLength {
		return fmt.Errorf("%w: fileName longer than %d bytes", ErrMalformedEnvelope, MaxFileNameLength)
	}
	if len(e.MimeType) > MaxMimeTypeLength {
		return fmt.Errorf("%w: mimeType longer than %d bytes", ErrMalformedEnvelope, MaxMimeTypeLength)
	}
	if maxPayload > 0 && len(e.Payload) > maxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedEnvelope, len(e.Payload), maxPayload)
	}
	return nil
}

// MaxEncodedSize is the largest wire message Encode produces for a payload
// of chunkSize bytes.
func MaxEncodedSize(chunkSize int) int {
	return base64.StdEncoding.EncodedLen(chunkSize) + EnvelopeOverhead
}

// MaxChunkSizeFor returns the largest chunk size whose envelopes fit in
// limit bytes, or 0 when none do.
func MaxChunkSizeFor(limit int) int {
	if limit <= EnvelopeOverhead {
		return 0
	}
	return (limit - EnvelopeOverhead) / 4 * 3
}

// Encode marshals an envelope into one wire message.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(0); err != nil {
		return nil, err
	}

	payload := e.Payload
	if payload == nil {
		payload = []byte{}
	}
	mimeType := e.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	msgType := TypeChunk

	raw, err := json.Marshal(wireEnvelope{
		Type:        &msgType,
		TransferID:  &e.TransferID,
		ChunkIndex:  &e.Index,
		TotalChunks: &e.TotalChunks,
		Payload:     &payload,
		FileName:    &e.FileName,
		MimeType:    &mimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chunk envelope: %w", err)
	}
	return raw, nil
}

// Decode parses and validates one wire message. Every failure wraps
// ErrMalformedEnvelope so callers can drop the message and carry on.
func Decode(data []byte, maxPayload int) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	switch {
	case wire.Type == nil || *wire.Type != TypeChunk:
		return Envelope{}, fmt.Errorf("%w: unexpected message type", ErrMalformedEnvelope)
	case wire.TransferID == nil:
		return Envelope{}, fmt.Errorf("%w: missing transferId", ErrMalformedEnvelope)
	case wire.ChunkIndex == nil:
		return Envelope{}, fmt.Errorf("%w: missing chunkIndex", ErrMalformedEnvelope)
	case wire.TotalChunks == nil:
		return Envelope{}, fmt.Errorf("%w: missing totalChunks", ErrMalformedEnvelope)
	case wire.Payload == nil:
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	case wire.FileName == nil:
		return Envelope{}, fmt.Errorf("%w: missing fileName", ErrMalformedEnvelope)
	}

	env := Envelope{
		TransferID:  *wire.TransferID,
		Index:       *wire.ChunkIndex,
		TotalChunks: *wire.TotalChunks,
		Payload:     *wire.Payload,
		FileName:    *wire.FileName,
		MimeType:    DefaultMimeType,
	}
	if wire.MimeType != nil && *wire.MimeType != "" {
		env.MimeType = *wire.MimeType
	}
	if env.Payload == nil {
		env.Payload = []byte{}
	}

	if err := env.Validate(maxPayload); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
