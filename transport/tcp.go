package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// DialTCP connects to the bus over TCP. network is "tcp", "tcp4" or
// "tcp6", matching the address's requested family, if any.
//
// If guid is non-empty, it is verified against the server's SASL
// handshake response.
func DialTCP(ctx context.Context, network, addr, guid string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	ret := &tcpTransport{conn: conn}
	ret.buf = bufio.NewReader(conn)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := ret.conn.SetDeadline(deadline); err != nil {
		ret.Close()
		return nil, err
	}
	if _, err := authenticate(ret.conn, ret.buf, false, guid); err != nil {
		ret.Close()
		return nil, err
	}
	if err := ret.conn.SetDeadline(time.Time{}); err != nil {
		ret.Close()
		return nil, err
	}

	return ret, nil
}

// tcpTransport is a Transport that runs over a plain TCP socket. It
// does not support passing file descriptors.
type tcpTransport struct {
	conn net.Conn
	buf  *bufio.Reader
}

func (t *tcpTransport) Read(bs []byte) (int, error) {
	return t.buf.Read(bs)
}

func (t *tcpTransport) Write(bs []byte) (int, error) {
	return t.conn.Write(bs)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) > 0 {
		return 0, errors.New("tcp transport does not support sending file descriptors")
	}
	return t.Write(bs)
}

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("tcp transport does not support receiving file descriptors")
}
