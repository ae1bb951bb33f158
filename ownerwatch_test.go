package dbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/danderson/dbus"
	"github.com/danderson/dbus/dbustest"
)

func awaitOwnerChange(t *testing.T, watch *dbus.OwnerWatch, name string) dbus.OwnerChange {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case oc, ok := <-watch.Chan():
			if !ok {
				t.Fatalf("OwnerWatch closed while waiting for change on %q", name)
			}
			if oc.Name != name {
				if testing.Verbose() {
					t.Logf("ignoring owner change for unrelated name %q", oc.Name)
				}
				continue
			}
			return oc
		case <-timeout:
			t.Fatalf("timed out waiting for owner change on %q", name)
		}
	}
}

func peerName(p *dbus.Peer) string {
	if p == nil {
		return "<none>"
	}
	return p.Name()
}

func TestWatchOwnerLiteral(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	c1 := bus.MustConn(t)
	defer c1.Close()
	c2 := bus.MustConn(t)
	defer c2.Close()

	watch, err := c2.WatchOwner("org.test.Watched")
	if err != nil {
		t.Fatalf("WatchOwner() failed: %v", err)
	}
	defer watch.Close()

	claim, err := c1.Claim("org.test.Watched", dbus.ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	awaitOwner(t, claim, "", true)

	oc := awaitOwnerChange(t, watch, "org.test.Watched")
	if oc.Old != nil {
		t.Errorf("first OwnerChange.Old = %v, want nil", peerName(oc.Old))
	}
	if got, want := peerName(oc.New), c1.LocalName(); got != want {
		t.Errorf("OwnerChange.New = %v, want %v", got, want)
	}

	claim.Close()

	oc = awaitOwnerChange(t, watch, "org.test.Watched")
	if got, want := peerName(oc.Old), c1.LocalName(); got != want {
		t.Errorf("release OwnerChange.Old = %v, want %v", got, want)
	}
	if oc.New != nil {
		t.Errorf("release OwnerChange.New = %v, want nil", peerName(oc.New))
	}
}

func TestWatchOwnerPreexisting(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	c1 := bus.MustConn(t)
	defer c1.Close()
	c2 := bus.MustConn(t)
	defer c2.Close()

	claim, err := c1.Claim("org.test.Preexisting", dbus.ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	awaitOwner(t, claim, "", true)

	// A watch created after the name is already owned must still
	// synthesize exactly one initial event reporting the current
	// owner, with Old normalized to nil.
	watch, err := c2.WatchOwner("org.test.Preexisting")
	if err != nil {
		t.Fatalf("WatchOwner() failed: %v", err)
	}
	defer watch.Close()

	oc := awaitOwnerChange(t, watch, "org.test.Preexisting")
	if oc.Old != nil {
		t.Errorf("synthetic OwnerChange.Old = %v, want nil", peerName(oc.Old))
	}
	if got, want := peerName(oc.New), c1.LocalName(); got != want {
		t.Errorf("synthetic OwnerChange.New = %v, want %v", got, want)
	}
}

func TestWatchOwnerNamespace(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	c1 := bus.MustConn(t)
	defer c1.Close()
	c2 := bus.MustConn(t)
	defer c2.Close()

	watch, err := c2.WatchOwner("org.test.ns.*")
	if err != nil {
		t.Fatalf("WatchOwner() failed: %v", err)
	}
	defer watch.Close()

	claim, err := c1.Claim("org.test.ns.svc", dbus.ClaimOptions{})
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	awaitOwner(t, claim, "", true)

	oc := awaitOwnerChange(t, watch, "org.test.ns.svc")
	if oc.Old != nil {
		t.Errorf("first OwnerChange.Old = %v, want nil", peerName(oc.Old))
	}
	if got, want := peerName(oc.New), c1.LocalName(); got != want {
		t.Errorf("OwnerChange.New = %v, want %v", got, want)
	}

	claim.Close()

	oc = awaitOwnerChange(t, watch, "org.test.ns.svc")
	if oc.New != nil {
		t.Errorf("release OwnerChange.New = %v, want nil", peerName(oc.New))
	}
}

func TestWatchOwnerNoOwner(t *testing.T) {
	bus := dbustest.New(t, logBusTraffic)

	conn := bus.MustConn(t)
	defer conn.Close()

	owner, ok, err := conn.NameOwner(context.Background(), "org.test.NeverOwned")
	if err != nil {
		t.Fatalf("NameOwner() failed: %v", err)
	}
	if ok {
		t.Fatalf("NameOwner() reported owner %v for a name nobody owns", owner)
	}
}
