package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dreamware/keyshard/internal/cluster"
)

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 16 << 20

const headerSize = 4

const (
	flagKey uint8 = 1 << iota
	flagEpoch
	flagVersion
	flagServerID
	flagCode
	flagAddr
	flagValue
	flagMembers
)

const (
	statusCodeActive      = 1
	statusCodeUnreachable = 2
)

// ErrFrameTooLarge is returned by ReadMessage and WriteMessage for frames
// above MaxFrameSize. After a read fails this way the stream is out of sync
// and the connection must be closed.
var ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameSize)

// MarshalBinary encodes the message body (without the length prefix).
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Kind == KindInvalid || m.Kind > maxKind {
		return nil, protocolErrorf("cannot encode kind %d", uint8(m.Kind))
	}

	var flags uint8
	if m.HasKey {
		flags |= flagKey
	}
	if m.Epoch != 0 {
		flags |= flagEpoch
	}
	if m.Version != 0 {
		flags |= flagVersion
	}
	if m.ServerID != 0 {
		flags |= flagServerID
	}
	if m.Code != ErrNone {
		flags |= flagCode
	}
	if m.Addr != "" {
		flags |= flagAddr
	}
	if m.Value != nil {
		flags |= flagValue
	}
	if len(m.Members) > 0 {
		flags |= flagMembers
	}

	b := make([]byte, 0, 2+8+len(m.Addr)+len(m.Value)+16*len(m.Members)+32)
	b = append(b, byte(m.Kind), flags)
	if flags&flagKey != 0 {
		b = binary.BigEndian.AppendUint64(b, uint64(m.Key))
	}
	if flags&flagEpoch != 0 {
		b = binary.AppendUvarint(b, m.Epoch)
	}
	if flags&flagVersion != 0 {
		b = binary.AppendUvarint(b, m.Version)
	}
	if flags&flagServerID != 0 {
		b = binary.AppendUvarint(b, m.ServerID)
	}
	if flags&flagCode != 0 {
		b = append(b, byte(m.Code))
	}
	if flags&flagAddr != 0 {
		b = appendBytes(b, []byte(m.Addr))
	}
	if flags&flagValue != 0 {
		b = appendBytes(b, m.Value)
	}
	if flags&flagMembers != 0 {
		b = binary.AppendUvarint(b, uint64(len(m.Members)))
		for _, r := range m.Members {
			code, err := statusCode(r.Status)
			if err != nil {
				return nil, err
			}
			b = binary.AppendUvarint(b, r.ServerID)
			b = binary.AppendUvarint(b, uint64(r.JoinOrder))
			b = append(b, code)
			b = appendBytes(b, []byte(r.Addr))
		}
	}
	return b, nil
}

// UnmarshalBinary decodes a message body produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	kind := Kind(d.readByte())
	flags := d.readByte()
	if d.err != nil {
		return d.err
	}
	if kind == KindInvalid || kind > maxKind {
		return protocolErrorf("unknown kind %d", uint8(kind))
	}

	out := Message{Kind: kind}
	if flags&flagKey != 0 {
		out.Key = d.readInt64()
		out.HasKey = true
	}
	if flags&flagEpoch != 0 {
		out.Epoch = d.readUvarint()
	}
	if flags&flagVersion != 0 {
		out.Version = d.readUvarint()
	}
	if flags&flagServerID != 0 {
		out.ServerID = d.readUvarint()
	}
	if flags&flagCode != 0 {
		out.Code = ErrorKind(d.readByte())
		if d.err == nil && (out.Code == ErrNone || out.Code > maxErrorKind) {
			return protocolErrorf("unknown error code %d", uint8(out.Code))
		}
	}
	if flags&flagAddr != 0 {
		out.Addr = string(d.readBytes())
	}
	if flags&flagValue != 0 {
		out.Value = d.readBytes()
	}
	if flags&flagMembers != 0 {
		n := d.readUvarint()
		// each member takes at least four bytes
		if d.err == nil && n > uint64(d.remaining()/4) {
			return protocolErrorf("member count %d exceeds frame", n)
		}
		out.Members = make([]cluster.ShardRecord, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			var r cluster.ShardRecord
			r.ServerID = d.readUvarint()
			r.JoinOrder = int(d.readUvarint())
			r.Status = statusFromCode(d.readByte(), &d)
			r.Addr = string(d.readBytes())
			out.Members = append(out.Members, r)
		}
	}
	if d.err != nil {
		return d.err
	}
	if d.remaining() != 0 {
		return protocolErrorf("%d trailing bytes after %s", d.remaining(), kind)
	}
	*m = out
	return nil
}

// WriteMessage writes m as a single length-prefixed frame.
func WriteMessage(w io.Writer, m Message) error {
	body, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, headerSize, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame. Transport errors (including io.EOF before the
// first header byte) are returned unchanged. A body that fails to decode is
// consumed entirely and reported as ErrProtocol, leaving the stream usable.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	var m Message
	if err := m.UnmarshalBinary(body); err != nil {
		return Message{}, err
	}
	return m, nil
}

func appendBytes(b, p []byte) []byte {
	b = binary.AppendUvarint(b, uint64(len(p)))
	return append(b, p...)
}

func statusCode(s cluster.Status) (uint8, error) {
	switch s {
	case cluster.StatusActive:
		return statusCodeActive, nil
	case cluster.StatusUnreachable:
		return statusCodeUnreachable, nil
	}
	return 0, protocolErrorf("cannot encode status %q", s)
}

func statusFromCode(c uint8, d *decoder) cluster.Status {
	switch c {
	case statusCodeActive:
		return cluster.StatusActive
	case statusCodeUnreachable:
		return cluster.StatusUnreachable
	}
	if d.err == nil {
		d.err = protocolErrorf("unknown status code %d", c)
	}
	return ""
}

// decoder reads fields off a body, remembering the first failure.
type decoder struct {
	err error
	buf []byte
	off int
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = protocolErrorf("truncated %s at offset %d", what, d.off)
	}
}

func (d *decoder) readByte() uint8 {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 1 {
		d.fail("byte")
		return 0
	}
	c := d.buf[d.off]
	d.off++
	return c
}

func (d *decoder) readInt64() int64 {
	if d.err != nil {
		return 0
	}
	if d.remaining() < 8 {
		d.fail("key")
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return int64(v)
}

func (d *decoder) readUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.fail("varint")
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) readBytes() []byte {
	n := d.readUvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(d.remaining()) {
		d.fail("bytes")
		return nil
	}
	p := make([]byte, n)
	copy(p, d.buf[d.off:])
	d.off += int(n)
	return p
}
