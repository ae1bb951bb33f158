package dbus

import (
	"cmp"
	"context"
	"encoding/xml"
	"fmt"
)

// Object identifies an object exported by a [Peer] at a particular
// [ObjectPath].
type Object struct {
	p    Peer
	path ObjectPath
}

// Conn returns the DBus connection this Object handle was created
// from.
func (o Object) Conn() *Conn { return o.p.Conn() }

// Peer returns the Peer hosting the object.
func (o Object) Peer() Peer { return o.p }

// Path returns the object's path.
func (o Object) Path() ObjectPath { return o.path }

func (o Object) String() string { return fmt.Sprintf("%s:%s", o.p, o.path) }

// Compare compares two objects, with the same convention as
// [cmp.Compare].
func (o Object) Compare(other Object) int {
	if ret := o.p.Compare(other.p); ret != 0 {
		return ret
	}
	return cmp.Compare(o.path, other.path)
}

// Interface returns a handle for the named interface, as offered by
// the object.
func (o Object) Interface(name string) Interface {
	return Interface{
		o:    o,
		name: name,
	}
}

// Introspect retrieves and parses the object's introspection
// document.
func (o Object) Introspect(ctx context.Context, opts ...CallOption) (*ObjectDescription, error) {
	var raw string
	if err := o.Interface(ifaceIntrospectable).Call(ctx, "Introspect", nil, &raw, opts...); err != nil {
		return nil, err
	}
	var desc ObjectDescription
	if err := xml.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, fmt.Errorf("parsing introspection data for %s: %w", o, err)
	}
	return &desc, nil
}

// Interfaces returns the interfaces the object reports offering, via
// introspection.
func (o Object) Interfaces(ctx context.Context, opts ...CallOption) ([]Interface, error) {
	desc, err := o.Introspect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	ret := make([]Interface, 0, len(desc.Interfaces))
	for name := range desc.Interfaces {
		ret = append(ret, o.Interface(name))
	}
	return ret, nil
}

// Children returns the paths of the object's child objects, via
// introspection.
func (o Object) Children(ctx context.Context, opts ...CallOption) ([]ObjectPath, error) {
	desc, err := o.Introspect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	ret := make([]ObjectPath, len(desc.Children))
	for i, c := range desc.Children {
		ret[i] = o.path.Child(c)
	}
	return ret, nil
}
