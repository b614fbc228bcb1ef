// Package packet implements the fixed-header binary frame protocol shared
// by every RpcChannel.
//
// It solves TCP's sticky packet problem with a fixed-size header that
// carries the body length, so the receiver always knows exactly how
// many more bytes to read. The 24-byte header carries a 64-bit packet
// id (needed to correlate a response to its request when many calls are
// in flight on one channel) and a response status byte.
//
// Frame format:
//
//	0    1    2    3    4        8        16       17              24
//	┌────┬────┬────┬────┬────────┬────────┬────────┬───────────────┐
//	│mag │op  │ser │cmp │bodyLen │  packet id       │status│reserved│
//	│ 1B │ 1B │ 1B │ 1B │ uint32 │       uint64      │ 1B  │  7B    │
//	└────┴────┴────┴────┴────────┴────────┴────────┴───────────────┘
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies which side of the conversation produced the frame.
type Magic byte

const (
	MagicRequest  Magic = 41
	MagicResponse Magic = 42
)

// Opcode distinguishes a call from the two control frame kinds.
type Opcode byte

const (
	OpCall      Opcode = 0
	OpHeartbeat Opcode = 1
	OpOffline   Opcode = 2
)

// Status is only meaningful on response packets.
type Status int8

const (
	StatusSuccess          Status = 0
	StatusTooBusy          Status = -1
	StatusClassNotFound    Status = -2
	StatusNoSuchMethod     Status = -3
	StatusIllegalArgument  Status = -4
	StatusInvocationError  Status = -5
	StatusInternalError    Status = -100
)

// HeaderSize is the fixed number of header bytes preceding every body.
const HeaderSize = 24

// Header is the fixed 24-byte preamble of every packet.
type Header struct {
	Magic         Magic
	Opcode        Opcode
	Serializer    byte
	Compression   byte
	BodyLen       uint32
	PacketID      uint64
	ResponseStatus Status
}

// Packet is a short-lived value: a header plus whatever bytes the
// transcoder produced for the body.
type Packet struct {
	Header Header
	Body   []byte
}

// ErrStreamClosed is returned by Decode when the reader hits EOF exactly at
// a frame boundary — a clean disconnect, not a protocol violation.
var ErrStreamClosed = io.EOF

// Encode writes the 24-byte header followed by body to w as a single
// io.Writer.Write where possible. Callers on a shared connection must
// serialize their own writes (RpcChannel's write worker does this via its
// merge-on-write buffer, see rpchannel.Channel).
func Encode(w io.Writer, h Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	if err := encodeHeader(buf[:HeaderSize], h); err != nil {
		return err
	}
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// AppendEncoded appends the header and body of a packet to dst and returns
// the extended slice. RpcChannel's write worker encodes each packet with
// it and then appends the result to its batch buffer, so a batch goes to
// the socket as one contiguous write.
func AppendEncoded(dst []byte, h Header, body []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize+len(body))...)
	if err := encodeHeader(dst[start:start+HeaderSize], h); err != nil {
		return nil, err
	}
	copy(dst[start+HeaderSize:], body)
	return dst, nil
}

// Size returns the number of bytes Encode would write for this packet.
func Size(body []byte) int {
	return HeaderSize + len(body)
}

func encodeHeader(buf []byte, h Header) error {
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return fmt.Errorf("packet: invalid magic %d", h.Magic)
	}
	buf[0] = byte(h.Magic)
	buf[1] = byte(h.Opcode)
	buf[2] = h.Serializer
	buf[3] = h.Compression
	binary.BigEndian.PutUint32(buf[4:8], h.BodyLen)
	binary.BigEndian.PutUint64(buf[8:16], h.PacketID)
	buf[16] = byte(h.ResponseStatus)
	for i := 17; i < HeaderSize; i++ {
		buf[i] = 0
	}
	return nil
}

// Decode reads one complete frame from r: the 24-byte header, then exactly
// BodyLen bytes. It blocks until the full frame has arrived (io.ReadFull),
// which is how the sticky-packet problem is solved — no partial frame is
// ever handed to the caller.
//
// A clean EOF at the very start of a frame is reported as ErrStreamClosed so
// callers can distinguish "peer hung up between frames" from "peer sent a
// truncated frame", which ReadFull would otherwise both report as io.EOF /
// io.ErrUnexpectedEOF respectively.
func Decode(r io.Reader) (Header, []byte, error) {
	hb := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		if err == io.EOF {
			return Header{}, nil, ErrStreamClosed
		}
		return Header{}, nil, err
	}

	magic := Magic(hb[0])
	if magic != MagicRequest && magic != MagicResponse {
		return Header{}, nil, fmt.Errorf("packet: invalid magic number %d", hb[0])
	}

	h := Header{
		Magic:          magic,
		Opcode:         Opcode(hb[1]),
		Serializer:     hb[2],
		Compression:    hb[3],
		BodyLen:        binary.BigEndian.Uint32(hb[4:8]),
		PacketID:       binary.BigEndian.Uint64(hb[8:16]),
		ResponseStatus: Status(int8(hb[16])),
	}

	if h.BodyLen == 0 {
		return h, nil, nil
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			// The header arrived but no body: a truncated frame.
			err = io.ErrUnexpectedEOF
		}
		return Header{}, nil, err
	}
	return h, body, nil
}
