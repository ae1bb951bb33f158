package dbus

import (
	"fmt"
	"strings"
)

// ObjectPath is the name of a DBus object, e.g.
// "/org/freedesktop/DBus".
//
// Object paths are always absolute, use '/' to separate path
// components, and each component may only contain ASCII letters,
// digits, and underscores. The root path "/" is valid and has no
// components.
type ObjectPath string

// Valid reports whether o is a well-formed object path.
func (o ObjectPath) Valid() error {
	s := string(o)
	if s == "" {
		return fmt.Errorf("object path must not be empty")
	}
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("object path %q must start with /", s)
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("object path %q must not end with /", s)
	}
	for _, part := range strings.Split(s[1:], "/") {
		if part == "" {
			return fmt.Errorf("object path %q contains an empty component", s)
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_':
			default:
				return fmt.Errorf("object path %q contains invalid character %q", s, r)
			}
		}
	}
	return nil
}

// Clean returns o with any invalid trailing slash removed. The root
// path "/" is returned unchanged.
func (o ObjectPath) Clean() ObjectPath {
	if o == "/" || o == "" {
		return o
	}
	return ObjectPath(strings.TrimSuffix(string(o), "/"))
}

// Child returns the object path formed by appending the given
// relative path component(s) to o.
func (o ObjectPath) Child(rel string) ObjectPath {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return o.Clean()
	}
	if o == "/" {
		return ObjectPath("/" + rel)
	}
	return ObjectPath(string(o.Clean()) + "/" + rel)
}

// IsChildOf reports whether o is prefix, or a descendant of prefix.
func (o ObjectPath) IsChildOf(prefix ObjectPath) bool {
	p, s := string(prefix.Clean()), string(o.Clean())
	if p == "/" {
		return true
	}
	if s == p {
		return true
	}
	return strings.HasPrefix(s, p+"/")
}

// Compare compares two object paths using the same convention as
// [cmp.Compare].
func (o ObjectPath) Compare(other ObjectPath) int {
	switch {
	case o < other:
		return -1
	case o > other:
		return 1
	default:
		return 0
	}
}
