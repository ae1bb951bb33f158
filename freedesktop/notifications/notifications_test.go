package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/danderson/dbus"
	"github.com/danderson/dbus/dbustest"
	"github.com/danderson/dbus/freedesktop/notifications"
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

func TestNotification(t *testing.T) {
	bus := dbustest.New(t, false)

	server := bus.MustConn(t)
	defer server.Close()
	claimName(t, server, "org.freedesktop.Notifications")

	var closedID uint32
	var lastNotify notifications.NotifyRequest
	var inhibited bool

	server.Handle("org.freedesktop.Notifications", "CloseNotification", func(ctx context.Context, obj dbus.ObjectPath, id uint32) error {
		closedID = id
		return nil
	})
	server.Handle("org.freedesktop.Notifications", "GetCapabilities", func(ctx context.Context, obj dbus.ObjectPath) ([]string, error) {
		return []string{"body", "actions", "x-kde-urls", "unheard-of-capability"}, nil
	})
	server.Handle("org.freedesktop.Notifications", "GetServerInformation", func(ctx context.Context, obj dbus.ObjectPath) (notifications.GetServerInformationResponse, error) {
		return notifications.GetServerInformationResponse{
			Name:        "test-notifier",
			Vendor:      "test",
			Version:     "1.0",
			SpecVersion: "1.2",
		}, nil
	})
	server.Handle("org.freedesktop.Notifications", "Inhibit", func(ctx context.Context, obj dbus.ObjectPath, req struct {
		DesktopEntry string
		Reason       string
		Hints        map[string]any
	}) (uint32, error) {
		inhibited = true
		return 9, nil
	})
	server.Handle("org.freedesktop.Notifications", "Notify", func(ctx context.Context, obj dbus.ObjectPath, req notifications.NotifyRequest) (uint32, error) {
		lastNotify = req
		return 123, nil
	})
	server.Handle("org.freedesktop.Notifications", "UnInhibit", func(ctx context.Context, obj dbus.ObjectPath, id uint32) error {
		inhibited = false
		return nil
	})
	server.Handle("org.freedesktop.DBus.Properties", "Get", func(ctx context.Context, obj dbus.ObjectPath, req struct{ InterfaceName, PropertyName string }) (dbus.Variant, error) {
		if req.InterfaceName != "org.freedesktop.Notifications" || req.PropertyName != "Inhibited" {
			return dbus.Variant{}, dbus.InvalidOperation{Reason: "unknown property " + req.InterfaceName + "." + req.PropertyName}
		}
		return dbus.Variant{Value: inhibited}, nil
	})

	client := bus.MustConn(t)
	defer client.Close()
	iface := notifications.New(client)

	if err := iface.CloseNotification(context.Background(), 5); err != nil {
		t.Fatalf("CloseNotification() failed: %v", err)
	}
	if closedID != 5 {
		t.Errorf("server saw CloseNotification(%d), want 5", closedID)
	}

	caps, err := iface.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("Capabilities() failed: %v", err)
	}
	if !caps.Body || !caps.Actions || !caps.ContextURLs {
		t.Errorf("Capabilities() = %+v, missing expected flags", caps)
	}
	if len(caps.Unknown) != 1 || caps.Unknown[0] != "unheard-of-capability" {
		t.Errorf("Capabilities().Unknown = %v, want [unheard-of-capability]", caps.Unknown)
	}

	info, err := iface.GetServerInformation(context.Background())
	if err != nil {
		t.Fatalf("GetServerInformation() failed: %v", err)
	}
	if info.Name != "test-notifier" {
		t.Errorf("GetServerInformation().Name = %q, want test-notifier", info.Name)
	}

	id, err := iface.Inhibit(context.Background(), "org.test.App", "quiet hours", nil)
	if err != nil {
		t.Fatalf("Inhibit() failed: %v", err)
	}
	if id != 9 {
		t.Errorf("Inhibit() = %d, want 9", id)
	}
	if !inhibited {
		t.Error("Inhibit() did not reach the server handler")
	}

	got, err := iface.Inhibited(context.Background())
	if err != nil {
		t.Fatalf("Inhibited() failed: %v", err)
	}
	if !got {
		t.Error("Inhibited() = false, want true")
	}

	if err := iface.UnInhibit(context.Background(), id); err != nil {
		t.Fatalf("UnInhibit() failed: %v", err)
	}
	got, err = iface.Inhibited(context.Background())
	if err != nil {
		t.Fatalf("Inhibited() after UnInhibit failed: %v", err)
	}
	if got {
		t.Error("Inhibited() = true after UnInhibit, want false")
	}

	notifyID, err := iface.Notify(context.Background(), notifications.NotifyRequest{
		AppName: "test-app",
		Summary: "hello",
		Body:    "world",
		Actions: []string{"default", "Open"},
		Timeout: -1,
	})
	if err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	if notifyID != 123 {
		t.Errorf("Notify() = %d, want 123", notifyID)
	}
	if lastNotify.Summary != "hello" || lastNotify.Body != "world" {
		t.Errorf("server saw Notify(%+v), want Summary=hello Body=world", lastNotify)
	}
}

func TestNotificationSignals(t *testing.T) {
	bus := dbustest.New(t, false)

	server := bus.MustConn(t)
	defer server.Close()
	claimName(t, server, "org.freedesktop.Notifications")

	client := bus.MustConn(t)
	defer client.Close()

	w, err := client.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer w.Close()
	if _, err := w.Match(dbus.MatchNotification[notifications.ActionInvoked]()); err != nil {
		t.Fatalf("Match() failed: %v", err)
	}

	obj := dbus.ObjectPath("/org/freedesktop/Notifications")
	if err := server.EmitSignal(context.Background(), obj, notifications.ActionInvoked{Id: 1, ActionKey: "default"}); err != nil {
		t.Fatalf("EmitSignal() failed: %v", err)
	}

	select {
	case sig := <-w.Chan():
		got, ok := sig.Body.(*notifications.ActionInvoked)
		if !ok {
			t.Fatalf("unexpected signal body type %T", sig.Body)
		}
		if got.Id != 1 || got.ActionKey != "default" {
			t.Errorf("ActionInvoked = %+v, want {Id:1 ActionKey:default}", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ActionInvoked")
	}
}
