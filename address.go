package dbus

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/danderson/dbus/transport"
)

// address is a single parsed entry from a DBus server address string,
// e.g. "unix:path=/run/dbus/system_bus_socket" or
// "tcp:host=localhost,port=1234,family=ipv4".
type address struct {
	transport string
	params    map[string]string
}

// parseAddresses parses a DBus server address string into its
// semicolon-separated entries, in order.
//
// Unknown transports are kept in the returned list (so that error
// messages can mention them) but [address.dial] rejects them; callers
// should treat a dial failure on an unknown transport as non-fatal and
// try the next entry, matching the "unknown transports are skipped,
// not fatal" rule.
func parseAddresses(s string) ([]address, error) {
	var ret []address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		transportName, rest, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, AddressError{Address: s, Reason: fmt.Errorf("entry %q missing transport prefix", entry)}
		}
		params := map[string]string{}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return nil, AddressError{Address: s, Reason: fmt.Errorf("malformed key-value pair %q", kv)}
				}
				dv, err := unescapeAddrValue(v)
				if err != nil {
					return nil, AddressError{Address: s, Reason: err}
				}
				params[k] = dv
			}
		}
		ret = append(ret, address{transport: transportName, params: params})
	}
	return ret, nil
}

func unescapeAddrValue(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated percent-escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid percent-escape in %q: %w", s, err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// dial connects the transport described by a, verifying the server's
// advertised GUID against a.params["guid"] if present.
func (a address) dial(ctx context.Context) (transport.Transport, error) {
	switch a.transport {
	case "unix":
		path, abstract := a.params["path"], a.params["abstract"]
		switch {
		case path != "":
			return transport.DialUnix(ctx, path, a.params["guid"])
		case abstract != "":
			return transport.DialUnix(ctx, "@"+abstract, a.params["guid"])
		default:
			return nil, fmt.Errorf("unix transport requires path= or abstract=")
		}
	case "tcp":
		host := a.params["host"]
		if host == "" {
			host = "localhost"
		}
		port := a.params["port"]
		if port == "" {
			return nil, fmt.Errorf("tcp transport requires port=")
		}
		network := "tcp"
		switch a.params["family"] {
		case "ipv4":
			network = "tcp4"
		case "ipv6":
			network = "tcp6"
		}
		return transport.DialTCP(ctx, network, net.JoinHostPort(host, port), a.params["guid"])
	default:
		return nil, fmt.Errorf("unsupported transport %q", a.transport)
	}
}
