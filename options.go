package dbus

import "time"

// callOpts accumulates the effect of a set of [CallOption] values.
type callOpts struct {
	timeout              time.Duration
	noAutoStart          bool
	allowInteractiveAuth bool
}

func (o callOpts) flags() byte {
	var f byte
	if o.noAutoStart {
		f |= flagNoAutoStart
	}
	if o.allowInteractiveAuth {
		f |= flagAllowInteractiveAuthorization
	}
	return f
}

func buildCallOpts(opts []CallOption) callOpts {
	var o callOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// A CallOption adjusts the behavior of an individual method call made
// through [Interface.Call], [Interface.OneWay] or one of the Conn
// helper methods that wrap them.
type CallOption func(*callOpts)

// WithTimeout bounds how long a call waits for a reply before giving
// up. A zero or negative duration means no additional timeout beyond
// the context passed to the call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOpts) { o.timeout = d }
}

// NoAutoStart tells the bus not to launch an activatable service to
// handle this call if its well-known name has no current owner.
func NoAutoStart() CallOption {
	return func(o *callOpts) { o.noAutoStart = true }
}

// AllowInteractiveAuthorization tells the peer that it is allowed to
// prompt the user for authorization (e.g. via polkit) while handling
// this call, if it would otherwise refuse for lack of authorization.
func AllowInteractiveAuthorization() CallOption {
	return func(o *callOpts) { o.allowInteractiveAuth = true }
}
