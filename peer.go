package dbus

import (
	"cmp"
	"context"
	"fmt"
	"strings"
)

// Peer identifies another participant on the bus, addressed either by
// its unique connection name (e.g. ":1.42") or by a well-known bus
// name (e.g. "org.freedesktop.Notifications").
type Peer struct {
	c    *Conn
	name string
}

// Conn returns the DBus connection this Peer handle was created from.
func (p Peer) Conn() *Conn { return p.c }

// Name returns the peer's bus name.
func (p Peer) Name() string { return p.name }

// IsUniqueName reports whether the peer is addressed by its
// broker-assigned unique connection name (e.g. ":1.42") rather than a
// well-known bus name.
func (p Peer) IsUniqueName() bool { return strings.HasPrefix(p.name, ":") }

func (p Peer) String() string { return p.name }

// Compare compares two peers, with the same convention as
// [cmp.Compare].
func (p Peer) Compare(other Peer) int {
	return cmp.Compare(p.name, other.name)
}

// Object returns a handle for the object at path, hosted by the peer.
func (p Peer) Object(path ObjectPath) Object {
	return Object{
		p:    p,
		path: path,
	}
}

// Ping checks that the peer is alive and responding to DBus traffic.
func (p Peer) Ping(ctx context.Context, opts ...CallOption) error {
	return p.Object("/").Interface(ifacePeer).Call(ctx, "Ping", nil, nil, opts...)
}

// MachineID returns the ID of the machine the peer is running on.
func (p Peer) MachineID(ctx context.Context, opts ...CallOption) (string, error) {
	var id string
	err := p.Object("/").Interface(ifacePeer).Call(ctx, "GetMachineId", nil, &id, opts...)
	return id, err
}

// Credentials describes the OS-level identity of a bus peer, as
// reported by the bus daemon itself (not the peer).
type Credentials struct {
	// UID is the peer's Unix user ID, or nil if the bus did not
	// report one.
	UID *uint32
	// PID is the peer's Unix process ID, or nil if the bus did not
	// report one.
	PID *uint32
	// GroupIDs is the peer's supplementary Unix group IDs, if the
	// bus reported them.
	GroupIDs []uint32
	// SecurityLabel is the peer's LSM security label (e.g. an
	// SELinux or AppArmor context), if the bus reported one.
	SecurityLabel []byte
}

// Identity returns the OS-level credentials of the peer, as known to
// the bus daemon.
//
// Individual fields of the returned [Credentials] may be nil or empty
// if the bus daemon's platform doesn't support reporting them.
func (p Peer) Identity(ctx context.Context, opts ...CallOption) (Credentials, error) {
	var resp map[string]any
	if err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionCredentials", p.name, &resp, opts...); err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if v, ok := resp["UnixUserID"].(uint32); ok {
		c.UID = &v
	}
	if v, ok := resp["ProcessID"].(uint32); ok {
		c.PID = &v
	}
	if v, ok := resp["UnixGroupIDs"].([]uint32); ok {
		c.GroupIDs = v
	}
	if v, ok := resp["LinuxSecurityLabel"].([]byte); ok {
		c.SecurityLabel = v
	}
	return c, nil
}

// UID returns the peer's Unix user ID.
//
// Deprecated: use [Peer.Identity], which reports every credential the
// bus is willing to share in one round trip.
func (p Peer) UID(ctx context.Context, opts ...CallOption) (uint32, error) {
	var uid uint32
	err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixUser", p.name, &uid, opts...)
	return uid, err
}

// PID returns the peer's Unix process ID.
//
// Deprecated: use [Peer.Identity], which reports every credential the
// bus is willing to share in one round trip.
func (p Peer) PID(ctx context.Context, opts ...CallOption) (uint32, error) {
	var pid uint32
	err := p.c.bus.Interface(ifaceBus).Call(ctx, "GetConnectionUnixProcessID", p.name, &pid, opts...)
	return pid, err
}

// Exists reports whether the peer's bus name currently has an owner.
func (p Peer) Exists(ctx context.Context, opts ...CallOption) (bool, error) {
	return p.c.NameHasOwner(ctx, p.name, opts...)
}

// Owner returns the unique name that currently owns this Peer's bus
// name.
//
// Owner returns a [DBusException] with name
// "org.freedesktop.DBus.Error.NameHasNoOwner" if the name has no
// current owner. Callers that want to distinguish "no owner" from a
// hard failure without inspecting the error should use
// [Conn.NameOwner] instead.
func (p Peer) Owner(ctx context.Context, opts ...CallOption) (Peer, error) {
	owner, ok, err := p.c.NameOwner(ctx, p.name, opts...)
	if err != nil {
		return Peer{}, err
	}
	if !ok {
		return Peer{}, DBusException{
			Name:    ifaceBus + ".Error.NameHasNoOwner",
			Message: fmt.Sprintf("name %q has no owner", p.name),
		}
	}
	return owner, nil
}

// QueuedOwners returns the unique names queued up to take ownership
// of this Peer's bus name, in order, starting with the current owner
// if any.
func (p Peer) QueuedOwners(ctx context.Context, opts ...CallOption) ([]Peer, error) {
	var names []string
	if err := p.c.bus.Interface(ifaceBus).Call(ctx, "ListQueuedOwners", p.name, &names, opts...); err != nil {
		return nil, err
	}
	ret := make([]Peer, len(names))
	for i, n := range names {
		ret[i] = p.c.Peer(n)
	}
	return ret, nil
}
