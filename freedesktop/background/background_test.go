package background_test

import (
	"context"
	"testing"
	"time"

	"github.com/danderson/dbus"
	"github.com/danderson/dbus/dbustest"
	"github.com/danderson/dbus/freedesktop/background"
)

func claimName(t *testing.T, conn *dbus.Conn, name string) {
	t.Helper()
	claim, err := conn.Claim(name, dbus.ClaimOptions{NoQueue: true})
	if err != nil {
		t.Fatalf("claiming %q: %v", name, err)
	}
	t.Cleanup(func() { claim.Close() })
	select {
	case owner := <-claim.Chan():
		if !owner {
			t.Fatalf("claiming %q: did not become owner", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out claiming %q", name)
	}
}

func TestBackgroundApps(t *testing.T) {
	bus := dbustest.New(t, false)

	server := bus.MustConn(t)
	defer server.Close()
	claimName(t, server, "org.freedesktop.background.Monitor")

	apps := []background.App{
		{
			ID:       "org.test.App",
			Instance: "1234",
			Status:   "syncing",
			Unknown:  map[string]any{"extra": "field"},
		},
	}

	server.Handle("org.freedesktop.DBus.Properties", "Get", func(ctx context.Context, obj dbus.ObjectPath, req struct{ InterfaceName, PropertyName string }) (dbus.Variant, error) {
		if req.InterfaceName != "org.freedesktop.background.Monitor" || req.PropertyName != "BackgroundApps" {
			return dbus.Variant{}, dbus.InvalidOperation{Reason: "unknown property " + req.InterfaceName + "." + req.PropertyName}
		}
		return dbus.Variant{Value: apps}, nil
	})

	client := bus.MustConn(t)
	defer client.Close()
	iface := background.New(client)

	got, err := iface.BackgroundApps(context.Background())
	if err != nil {
		t.Fatalf("BackgroundApps() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("BackgroundApps() returned %d apps, want 1", len(got))
	}
	if got[0].ID != "org.test.App" || got[0].Status != "syncing" {
		t.Errorf("BackgroundApps()[0] = %+v, want ID=org.test.App Status=syncing", got[0])
	}
}
