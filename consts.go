package dbus

// Well-known interface names implemented by every DBus bus daemon and
// most peers.
const (
	ifaceBus            = "org.freedesktop.DBus"
	ifacePeer           = "org.freedesktop.DBus.Peer"
	ifaceProps          = "org.freedesktop.DBus.Properties"
	ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// Header flag bits, see header.go.
const (
	flagNoReplyExpected               = 0x1
	flagNoAutoStart                   = 0x2
	flagAllowInteractiveAuthorization = 0x4
)

// maxMessageSize is the largest body DBus permits in a single
// message. Conn.readMsg rejects anything larger as a ProtocolError
// rather than allocating unbounded memory for a hostile or corrupt
// peer.
const maxMessageSize = 128 * 1024 * 1024
