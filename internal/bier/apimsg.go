package bier

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Application Boundary Message Codec
// -------------------------------------------------------------------------
//
// The daemon and the upper-layer application exchange self-delimiting
// binary messages over a local datagram socket. Every integer field is an
// unsigned LEB128 varint (the encoding/binary Uvarint form), so small
// values occupy a single byte and a reader can determine the full message
// length from its own bytes. Messages may therefore be concatenated in a
// stream and parsed one at a time without external framing.
//
// Send (application -> daemon):
//
//	uvarint(type=1) uvarint(sub-domain) uvarint(bfir-id)
//	uvarint(len(bitstring)) bitstring
//	uvarint(len(payload)) payload
//
// Deliver (daemon -> application):
//
//	uvarint(type=2) uvarint(len(payload)) payload

// MsgType discriminates application boundary messages.
type MsgType uint8

const (
	// MsgTypeSend carries an application payload into the daemon,
	// together with the BIER context to originate it with.
	MsgTypeSend MsgType = 1

	// MsgTypeDeliver carries a locally delivered payload out to the
	// application. No BIER context is needed: the application already
	// knows it is receiving.
	MsgTypeDeliver MsgType = 2
)

// msgTypeNames maps message types to human-readable strings.
var msgTypeNames = [3]string{
	"Invalid",
	"Send",
	"Deliver",
}

// String returns the human-readable name for the message type.
func (m MsgType) String() string {
	if int(m) < len(msgTypeNames) {
		return msgTypeNames[m]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(m))
}

// Codec errors.
var (
	// ErrMalformedVarint indicates a varint whose continuation bit never
	// terminates within the supported maximum width (64 bits).
	ErrMalformedVarint = errors.New("malformed varint")

	// ErrUnknownMessageType indicates a message-type tag that is neither
	// Send nor Deliver.
	ErrUnknownMessageType = errors.New("unknown message type")
)

// SendContext is the BIER context attached to a Send message.
type SendContext struct {
	// SubDomain selects the sub-domain to originate into.
	SubDomain uint8

	// BFIRID optionally overrides the BFIR-id stamped on the packet.
	// Zero means "use the daemon's configured identity".
	BFIRID uint16
}

// SendMessage is a decoded application->daemon message.
type SendMessage struct {
	Context SendContext

	// BitString names the target egress routers.
	BitString *BitString

	// Payload is the opaque application payload. After DecodeSend it
	// references the input buffer (zero-copy); callers must copy it if
	// the buffer will be reused.
	Payload []byte
}

// uvarint decodes one varint from buf, mapping the encoding/binary return
// convention onto the codec error taxonomy: a buffer ending mid-varint is
// truncated input, a continuation chain exceeding 64 bits is malformed.
func uvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n == 0 {
		return 0, 0, ErrTruncated
	}
	if n < 0 {
		return 0, 0, ErrMalformedVarint
	}
	return v, n, nil
}

// field decodes a varint-length-prefixed byte field, returning the field
// bytes (aliasing buf) and the total bytes consumed.
func field(buf []byte, what string) ([]byte, int, error) {
	length, n, err := uvarint(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("%s length: %w", what, err)
	}
	if length > uint64(len(buf)-n) {
		return nil, 0, fmt.Errorf("%s: declared %d bytes, %d available: %w",
			what, length, len(buf)-n, ErrTruncated)
	}
	end := n + int(length)
	return buf[n:end], end, nil
}

// EncodeSend encodes a Send message for the given context, target
// bitstring, and payload.
func EncodeSend(ctx SendContext, target *BitString, payload []byte) ([]byte, error) {
	if target == nil {
		return nil, fmt.Errorf("encode send: %w", ErrNilBitString)
	}
	raw := target.Bytes()

	out := make([]byte, 0, 1+2+3+binary.MaxVarintLen64+len(raw)+binary.MaxVarintLen64+len(payload))
	out = binary.AppendUvarint(out, uint64(MsgTypeSend))
	out = binary.AppendUvarint(out, uint64(ctx.SubDomain))
	out = binary.AppendUvarint(out, uint64(ctx.BFIRID))
	out = binary.AppendUvarint(out, uint64(len(raw)))
	out = append(out, raw...)
	out = binary.AppendUvarint(out, uint64(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// DecodeSend decodes one Send message from the front of buf, returning
// the message and the number of bytes consumed. The payload aliases buf.
func DecodeSend(buf []byte) (*SendMessage, int, error) {
	tag, off, err := uvarint(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("decode send: type: %w", err)
	}
	if MsgType(tag) != MsgTypeSend {
		return nil, 0, fmt.Errorf("decode send: type %s: %w", MsgType(tag), ErrUnknownMessageType)
	}

	subDomain, n, err := uvarint(buf[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("decode send: sub-domain: %w", err)
	}
	off += n
	if subDomain > 0xFF {
		return nil, 0, fmt.Errorf("decode send: sub-domain %d: %w", subDomain, ErrFieldRange)
	}

	bfirID, n, err := uvarint(buf[off:])
	if err != nil {
		return nil, 0, fmt.Errorf("decode send: bfir-id: %w", err)
	}
	off += n
	if bfirID > 0xFFFF {
		return nil, 0, fmt.Errorf("decode send: bfir-id %d: %w", bfirID, ErrFieldRange)
	}

	rawBits, n, err := field(buf[off:], "decode send: bitstring")
	if err != nil {
		return nil, 0, err
	}
	off += n

	bs, err := BitStringFromBytes(rawBits)
	if err != nil {
		return nil, 0, fmt.Errorf("decode send: %w", err)
	}

	payload, n, err := field(buf[off:], "decode send: payload")
	if err != nil {
		return nil, 0, err
	}
	off += n

	msg := &SendMessage{
		Context: SendContext{
			SubDomain: uint8(subDomain),
			BFIRID:    uint16(bfirID),
		},
		BitString: bs,
		Payload:   payload,
	}
	return msg, off, nil
}

// EncodeDeliver encodes a Deliver message carrying the payload.
func EncodeDeliver(payload []byte) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(payload))
	out = binary.AppendUvarint(out, uint64(MsgTypeDeliver))
	out = binary.AppendUvarint(out, uint64(len(payload)))
	out = append(out, payload...)
	return out
}

// DecodeDeliver decodes one Deliver message from the front of buf,
// returning the payload (aliasing buf) and the bytes consumed.
func DecodeDeliver(buf []byte) ([]byte, int, error) {
	tag, off, err := uvarint(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("decode deliver: type: %w", err)
	}
	if MsgType(tag) != MsgTypeDeliver {
		return nil, 0, fmt.Errorf("decode deliver: type %s: %w", MsgType(tag), ErrUnknownMessageType)
	}

	payload, n, err := field(buf[off:], "decode deliver: payload")
	if err != nil {
		return nil, 0, err
	}
	return payload, off + n, nil
}
