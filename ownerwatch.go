package dbus

import (
	"context"
	"strings"
)

// OwnerChange reports a transition in the primary owner of a
// well-known bus name, as observed by an [OwnerWatch].
type OwnerChange struct {
	// Name is the well-known bus name whose ownership changed.
	Name string
	// Old is the name's owner immediately before this change, or nil
	// if it is known to have had no owner. The first OwnerChange
	// delivered for a given Name always has Old set to nil, even if
	// the name in fact had a different owner before the watch
	// started: from the caller's perspective, the watch begins in a
	// state of "no known owner".
	Old *Peer
	// New is the name's owner after this change, or nil if the name
	// now has no owner.
	New *Peer
}

// OwnerWatch reports ownership changes for one or more well-known bus
// names.
//
// A freshly created OwnerWatch synthesizes one initial OwnerChange
// per currently-owned matching name, so that callers always learn the
// present state of a name exactly once, whether or not a genuine
// NameOwnerChanged signal happens to race with the initial lookup. If
// a real signal for a name arrives before the synthetic lookup
// completes, the real signal wins and no synthetic event is produced
// for that name.
type OwnerWatch struct {
	conn  *Conn
	watch *Watcher

	changes chan OwnerChange
	done    chan struct{}
}

// WatchOwner watches for ownership changes to one or more well-known
// bus names, selected by spec:
//
//   - A literal name, e.g. "com.example.Frobnicator", watches that
//     single name.
//   - A namespace prefix ending in ".*", e.g. "com.example.*",
//     watches every name currently registered under that namespace,
//     and subsequent NameOwnerChanged traffic naming them.
//   - "*" or ".*" watches every well-known name on the bus.
//
// The namespace and wildcard forms perform a one-time sweep of
// [Conn.Peers] and [Conn.NameOwner] to synthesize initial events for
// names that already had an owner when the watch was created. Once
// that sweep completes, an OwnerWatch behaves identically regardless
// of which form created it: it simply reports NameOwnerChanged
// traffic matching spec as it arrives.
func (c *Conn) WatchOwner(spec string) (*OwnerWatch, error) {
	w, err := c.Watch()
	if err != nil {
		return nil, err
	}

	m := MatchNotification[NameOwnerChanged]()
	var literal, namespace string
	switch {
	case spec == "*" || spec == ".*":
		// No arg filter: every well-known name on the bus.
	case strings.HasSuffix(spec, ".*"):
		namespace = strings.TrimSuffix(spec, ".*")
		m = m.Arg0Namespace(namespace)
	default:
		literal = spec
		m = m.ArgStr(0, spec)
	}

	if _, err := w.Match(m); err != nil {
		w.Close()
		return nil, err
	}

	ow := &OwnerWatch{
		conn:    c,
		watch:   w,
		changes: make(chan OwnerChange),
		done:    make(chan struct{}),
	}
	go ow.pump(literal, namespace)
	return ow, nil
}

// Chan returns the channel on which ownership changes are delivered.
//
// The channel closes when the OwnerWatch is closed, or when the
// underlying [Conn] is disposed.
func (w *OwnerWatch) Chan() <-chan OwnerChange { return w.changes }

// Close stops the watch.
func (w *OwnerWatch) Close() {
	w.watch.Close()
	<-w.done
}

// pump is the OwnerWatch's single dispatch goroutine. It merges real
// NameOwnerChanged traffic from w.watch with the one-shot synthetic
// sweep, normalizing the first event seen for each name to have Old
// == nil, and suppressing synthetic events for names a real event has
// already reported.
func (w *OwnerWatch) pump(literal, namespace string) {
	defer close(w.done)
	defer close(w.changes)

	emitted := map[string]bool{}

	sweepCh := make(chan []OwnerChange, 1)
	go func() {
		sweepCh <- w.sweep(literal, namespace)
		close(sweepCh)
	}()

	for {
		select {
		case n, ok := <-w.watch.Chan():
			if !ok {
				return
			}
			noc, ok := n.Body.(*NameOwnerChanged)
			if !ok {
				continue
			}
			oc := OwnerChange{Name: noc.Name, New: noc.New}
			if emitted[noc.Name] {
				oc.Old = noc.Prev
			}
			emitted[noc.Name] = true
			w.changes <- oc
		case batch, ok := <-sweepCh:
			if !ok {
				sweepCh = nil
				continue
			}
			for _, oc := range batch {
				if emitted[oc.Name] {
					continue
				}
				emitted[oc.Name] = true
				w.changes <- oc
			}
			sweepCh = nil
		}
	}
}

// sweep performs the one-shot initial lookup for a newly created
// OwnerWatch. literal is set for a single-name watch; otherwise
// namespace restricts the sweep to that dot-separated prefix
// ("" means every name).
func (w *OwnerWatch) sweep(literal, namespace string) []OwnerChange {
	ctx := context.Background()

	if literal != "" {
		owner, ok, err := w.conn.NameOwner(ctx, literal)
		if err != nil || !ok {
			return nil
		}
		return []OwnerChange{{Name: literal, New: &owner}}
	}

	peers, err := w.conn.Peers(ctx)
	if err != nil {
		return nil
	}
	var ret []OwnerChange
	for _, p := range peers {
		name := p.Name()
		if strings.HasPrefix(name, ":") {
			// Unique connection name, not a well-known name.
			continue
		}
		if namespace != "" && name != namespace && !strings.HasPrefix(name, namespace+".") {
			continue
		}
		owner, ok, err := w.conn.NameOwner(ctx, name)
		if err != nil || !ok {
			continue
		}
		ret = append(ret, OwnerChange{Name: name, New: &owner})
	}
	return ret
}
