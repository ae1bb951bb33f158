package dbus

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/danderson/dbus/fragments"
)

// fakeTransport is a minimal transport.Transport backed by an
// in-memory buffer, used to feed crafted bytes to Conn.readMsg
// without a real socket.
type fakeTransport struct {
	r *bytes.Buffer
}

func (f *fakeTransport) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeTransport) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeTransport) Close() error                { return nil }

func (f *fakeTransport) GetFiles(n int) ([]*os.File, error) {
	if n != 0 {
		return nil, errors.New("fakeTransport: unexpected fd request")
	}
	return nil, nil
}

func (f *fakeTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	return len(bs), nil
}

// TestReadMsgRejectsOversizedBody verifies the §6 128MiB message cap:
// a header declaring a body length beyond maxMessageSize must fail
// with a ProtocolError before any attempt to read that body.
func TestReadMsgRejectsOversizedBody(t *testing.T) {
	hdr := header{
		Type:      msgTypeSignal,
		Version:   1,
		Serial:    1,
		Length:    maxMessageSize + 1,
		Path:      ObjectPath("/test"),
		Interface: "test.Iface",
		Member:    "Member",
	}

	enc := fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
	if err := enc.Value(context.Background(), &hdr); err != nil {
		t.Fatalf("encoding test header: %v", err)
	}

	c := &Conn{
		t: &fakeTransport{r: bytes.NewBuffer(enc.Out)},
	}

	_, err := c.readMsg()
	if err == nil {
		t.Fatalf("readMsg() succeeded for a message exceeding maxMessageSize, want ProtocolError")
	}
	var protoErr ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("readMsg() error = %v (%T), want ProtocolError", err, err)
	}
}

func TestReadMsgAcceptsEmptyBody(t *testing.T) {
	hdr := header{
		Type:      msgTypeSignal,
		Version:   1,
		Serial:    1,
		Length:    0,
		Path:      ObjectPath("/test"),
		Interface: "test.Iface",
		Member:    "Member",
	}

	enc := fragments.Encoder{Order: fragments.NativeEndian, Mapper: encoderFor}
	if err := enc.Value(context.Background(), &hdr); err != nil {
		t.Fatalf("encoding test header: %v", err)
	}

	c := &Conn{
		t: &fakeTransport{r: bytes.NewBuffer(enc.Out)},
	}

	m, err := c.readMsg()
	if err != nil {
		t.Fatalf("readMsg() failed for a well-formed empty-body message: %v", err)
	}
	if len(m.body) != 0 {
		t.Errorf("readMsg().body = %d bytes, want 0", len(m.body))
	}
}
