package transport

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// authenticate runs the client side of the DBus SASL handshake over
// conn/buf, and reports whether the server agreed to unix fd passing.
//
// wantGUID, if non-empty, is checked against the GUID the server
// returns with its OK response; a mismatch is fatal.
func authenticate(conn io.Writer, buf *bufio.Reader, supportsFDs bool, wantGUID string) (negotiatedFDs bool, err error) {
	if _, err := conn.Write([]byte{0}); err != nil {
		return false, fmt.Errorf("sending initial NUL byte: %w", err)
	}

	guid, err := authExternalOrAnonymous(conn, buf)
	if err != nil {
		return false, err
	}
	if wantGUID != "" && guid != "" && guid != wantGUID {
		return false, fmt.Errorf("server GUID %q does not match requested GUID %q", guid, wantGUID)
	}

	if supportsFDs {
		negotiatedFDs, err = negotiateUnixFD(conn, buf)
		if err != nil {
			return false, err
		}
	}

	if _, err := conn.Write([]byte("BEGIN\r\n")); err != nil {
		return false, fmt.Errorf("sending BEGIN: %w", err)
	}

	return negotiatedFDs, nil
}

func authExternalOrAnonymous(conn io.Writer, buf *bufio.Reader) (guid string, err error) {
	uid := os.Getuid()
	uidHex := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if _, err := fmt.Fprintf(conn, "AUTH EXTERNAL %s\r\n", uidHex); err != nil {
		return "", fmt.Errorf("sending AUTH EXTERNAL: %w", err)
	}
	resp, err := readLine(buf)
	if err != nil {
		return "", fmt.Errorf("reading AUTH EXTERNAL response: %w", err)
	}
	if g, ok := strings.CutPrefix(resp, "OK "); ok {
		return strings.TrimSpace(g), nil
	}

	// EXTERNAL was rejected, fall back to ANONYMOUS.
	if _, err := conn.Write([]byte("AUTH ANONYMOUS\r\n")); err != nil {
		return "", fmt.Errorf("sending AUTH ANONYMOUS: %w", err)
	}
	resp, err = readLine(buf)
	if err != nil {
		return "", fmt.Errorf("reading AUTH ANONYMOUS response: %w", err)
	}
	if g, ok := strings.CutPrefix(resp, "OK "); ok {
		return strings.TrimSpace(g), nil
	}
	return "", fmt.Errorf("server rejected both AUTH EXTERNAL and AUTH ANONYMOUS, last response %q", resp)
}

func negotiateUnixFD(conn io.Writer, buf *bufio.Reader) (bool, error) {
	if _, err := conn.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return false, fmt.Errorf("sending NEGOTIATE_UNIX_FD: %w", err)
	}
	resp, err := readLine(buf)
	if err != nil {
		return false, fmt.Errorf("reading NEGOTIATE_UNIX_FD response: %w", err)
	}
	return resp == "AGREE_UNIX_FD", nil
}

func readLine(buf *bufio.Reader) (string, error) {
	line, err := buf.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
