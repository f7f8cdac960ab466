package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/internal/drive/memdrive"
)

func newTestConnection(ratelimit time.Duration) (*AutoConnection, *memdrive.Drive) {
	connector := memdrive.NewConnector()
	d := memdrive.NewDrive("wwn-1")
	connector.Add(d)
	endpoint := drive.Endpoint{WWN: "wwn-1", Host: "127.0.0.1", Port: 8123}
	return NewAutoConnection(connector, endpoint, endpoint, ratelimit), d
}

// TestFirstGetConnectsSynchronously verifies the one-shot synchronous
// connect on first use.
func TestFirstGetConnectsSynchronously(t *testing.T) {
	conn, _ := newTestConnection(time.Hour)
	client, err := conn.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s := client.NoOp(context.Background()); !s.OK() {
		t.Errorf("NoOp on fresh connection: %s", s)
	}
	if !conn.Status().Healthy {
		t.Error("connection not healthy after successful connect")
	}
}

// TestUnhealthyFailsFast verifies Get fails immediately while the drive is
// down and reconnects are rate limited.
func TestUnhealthyFailsFast(t *testing.T) {
	conn, d := newTestConnection(time.Hour)
	d.Stop()

	if _, err := conn.Get(); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("Get error = %v, want ErrNoConnection", err)
	}

	// The drive is back, but the rate limit blocks another attempt.
	d.Start()
	if _, err := conn.Get(); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Get error = %v, want ErrNoConnection under rate limit", err)
	}
}

// TestBackgroundReconnect verifies the connection recovers once the rate
// limit allows a background attempt.
func TestBackgroundReconnect(t *testing.T) {
	conn, d := newTestConnection(10 * time.Millisecond)
	d.Stop()
	conn.Get() // failed one-shot connect

	d.Start()
	time.Sleep(20 * time.Millisecond)

	// This call schedules the background reconnect and still fails.
	if _, err := conn.Get(); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("Get error = %v, want ErrNoConnection while reconnecting", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if client, err := conn.Get(); err == nil {
			if s := client.NoOp(context.Background()); !s.OK() {
				t.Errorf("NoOp after reconnect: %s", s)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection did not recover")
}

// TestSetErrorMarksUnhealthy verifies a catastrophic operation failure
// flips the connection state.
func TestSetErrorMarksUnhealthy(t *testing.T) {
	conn, _ := newTestConnection(time.Hour)
	if _, err := conn.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}

	conn.SetError(drive.MakeStatus(drive.ClientIOError, "broken pipe"))
	if conn.Status().Healthy {
		t.Error("connection healthy after SetError")
	}
	if _, err := conn.Get(); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Get error = %v, want ErrNoConnection", err)
	}
}
