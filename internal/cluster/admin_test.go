package cluster

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// reconnectAll triggers an operation so unhealthy connections schedule
// their background reconnect, then waits for it to land.
func reconnectAll(ctx context.Context, admin *AdminCluster) {
	time.Sleep(20 * time.Millisecond) // past the reconnect rate limit
	admin.Remove(ctx, "reconnect-probe", "", true)
	time.Sleep(50 * time.Millisecond)
	admin.Remove(ctx, "reconnect-probe", "", true)
	time.Sleep(50 * time.Millisecond)
}

// TestAdminScanRepairLifecycle walks a key through the degradation states:
// written with a drive down it scans as incomplete; once the drive returns
// it becomes repairable; repair restores full redundancy.
func TestAdminScanRepairLifecycle(t *testing.T) {
	ctx := context.Background()
	engine, drives := newTestEngine(t, erasure(t, 2, 1), 3)
	admin := NewAdminCluster(engine)

	value := bytes.Repeat([]byte{'v'}, 64)

	// Write with one drive down: quorum succeeds, redundancy is reduced.
	drives[0].Stop()
	if _, status := admin.Put(ctx, "key", "", value, true); !status.OK() {
		t.Fatalf("Put with drive down: %s", status)
	}

	attention, err := admin.Scan(ctx, -1)
	if err != nil || attention != 1 {
		t.Fatalf("Scan = %d, %v, want 1, nil", attention, err)
	}
	counts := admin.Counts()
	if counts.Total != 1 || counts.Incomplete != 1 || counts.NeedAction != 0 {
		t.Fatalf("counts after scan with drive down: %+v", counts)
	}

	// Repair cannot act while the drive is unreachable.
	if attention, err := admin.Repair(ctx, -1); err != nil || attention != 1 {
		t.Fatalf("Repair = %d, %v, want 1, nil", attention, err)
	}
	if counts := admin.Counts(); counts.Repaired != 0 {
		t.Fatalf("Repaired = %d with drive still down, want 0", counts.Repaired)
	}

	// Drive comes back: the stale copy is now visible and repairable.
	drives[0].Start()
	reconnectAll(ctx, admin)

	if attention, err := admin.Scan(ctx, -1); err != nil || attention != 1 {
		t.Fatalf("Scan after restart = %d, %v, want 1, nil", attention, err)
	}
	counts = admin.Counts()
	if counts.Incomplete != 0 || counts.NeedAction != 1 {
		t.Fatalf("counts after restart: %+v", counts)
	}

	if _, err := admin.Repair(ctx, -1); err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if counts := admin.Counts(); counts.Repaired != 1 {
		t.Fatalf("Repaired = %d, want 1", counts.Repaired)
	}
	if !drives[0].Has("key") {
		t.Error("repair did not restore the blob on the restarted drive")
	}

	// A subsequent scan finds nothing to do.
	if attention, err := admin.Scan(ctx, -1); err != nil || attention != 0 {
		t.Errorf("Scan after repair = %d, %v, want 0, nil", attention, err)
	}
}

// TestAdminReset verifies reset force-removes keys even with a drive down.
func TestAdminReset(t *testing.T) {
	ctx := context.Background()
	engine, drives := newTestEngine(t, erasure(t, 2, 1), 3)
	admin := NewAdminCluster(engine)

	if _, status := admin.Put(ctx, "key", "", []byte("data"), true); !status.OK() {
		t.Fatalf("Put: %s", status)
	}
	drives[0].Stop()

	processed, err := admin.Reset(ctx, -1)
	if err != nil || processed != 1 {
		t.Fatalf("Reset = %d, %v, want 1, nil", processed, err)
	}
	if counts := admin.Counts(); counts.Removed != 1 {
		t.Errorf("Removed = %d, want 1", counts.Removed)
	}
}

// TestAdminDriveStatus verifies the connectivity snapshot tracks drive
// failures.
func TestAdminDriveStatus(t *testing.T) {
	engine, drives := newTestEngine(t, erasure(t, 2, 1), 3)
	admin := NewAdminCluster(engine)

	for _, s := range admin.DriveStatus() {
		if !s.Healthy {
			t.Fatalf("drive %s unhealthy with all drives up", s.WWN)
		}
	}

	drives[1].Stop()
	admin.Remove(context.Background(), "probe", "", true)

	unhealthy := 0
	for _, s := range admin.DriveStatus() {
		if !s.Healthy {
			unhealthy++
		}
	}
	if unhealthy != 1 {
		t.Errorf("unhealthy drives = %d, want 1", unhealthy)
	}
}
