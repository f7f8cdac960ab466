package cluster

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/pkg/types"
)

var adminLogger = logrus.WithField("module", "admin")

// keyHealth classifies one key's stripe during a scan.
type keyHealth int

const (
	keyHealthy keyHealth = iota
	// keyIncomplete - quorum holds but some stripe drives are unreachable.
	keyIncomplete
	// keyNeedAction - quorum holds and at least one reachable stripe drive
	// holds a stale or missing copy. Repair can fix this.
	keyNeedAction
	// keyUnreadable - too few conforming copies to reconstruct the value.
	keyUnreadable
)

// AdminCluster extends the engine with maintenance passes over the stored
// key set: scan, repair and reset.
type AdminCluster struct {
	*Engine

	countsMu sync.Mutex
	counts   types.KeyCounts
}

// NewAdminCluster wraps an engine for maintenance use.
func NewAdminCluster(engine *Engine) *AdminCluster {
	return &AdminCluster{Engine: engine}
}

// Counts returns the counters accumulated by the last maintenance pass.
func (a *AdminCluster) Counts() types.KeyCounts {
	a.countsMu.Lock()
	defer a.countsMu.Unlock()
	return a.counts
}

// DriveStatus returns a connectivity snapshot of every cluster drive.
func (a *AdminCluster) DriveStatus() []types.DriveStatus {
	statuses := make([]types.DriveStatus, 0, len(a.connections))
	for _, c := range a.connections {
		if client, err := c.Get(); err == nil {
			if s := client.NoOp(context.Background()); !s.OK() {
				c.SetError(s)
			}
		}
		statuses = append(statuses, c.Status())
	}
	return statuses
}

// listKeys unions the key sets of every cluster drive, best effort: drives
// that are down simply contribute nothing.
func (a *AdminCluster) listKeys(ctx context.Context, max int) []string {
	results := a.execute(ctx, a.connections, "adminrange",
		func(ctx context.Context, client drive.Client) subResult {
			keys, status := client.GetKeyRange(ctx, "", strings.Repeat("\xff", 16), max)
			return subResult{status: status, keys: keys}
		})
	keys := mergeKeys(results)
	if max >= 0 && len(keys) > max {
		keys = keys[:max]
	}
	return keys
}

// assessKey probes every stripe drive of a key individually, without quorum
// reduction, and classifies the stripe.
func (a *AdminCluster) assessKey(ctx context.Context, key string) keyHealth {
	results := a.execute(ctx, a.stripeConnections(key), "adminversion",
		func(ctx context.Context, client drive.Client) subResult {
			version, status := client.GetVersion(ctx, key)
			return subResult{status: status, version: version}
		})

	_, conforming := mostFrequentVersion(results, func(r subResult) (string, bool) {
		return r.version, r.status.OK()
	})

	unreachableCount := 0
	for _, r := range results {
		switch r.status.Code {
		case drive.RemoteConnectionError, drive.ClientIOError:
			unreachableCount++
		}
	}

	total := len(results)
	switch {
	case conforming == total:
		return keyHealthy
	case conforming < a.nData:
		return keyUnreadable
	case conforming+unreachableCount == total:
		return keyIncomplete
	default:
		return keyNeedAction
	}
}

// Scan classifies up to max keys and returns the number that need
// attention. Counters are reset at the start of the pass.
func (a *AdminCluster) Scan(ctx context.Context, max int) (int, error) {
	counts := types.KeyCounts{}
	for _, key := range a.listKeys(ctx, max) {
		counts.Total++
		switch a.assessKey(ctx, key) {
		case keyIncomplete:
			counts.Incomplete++
		case keyNeedAction:
			counts.NeedAction++
		case keyUnreadable:
			counts.Unrepairable++
		}
	}
	a.setCounts(counts)

	attention := counts.Incomplete + counts.NeedAction + counts.Unrepairable
	adminLogger.WithFields(logrus.Fields{
		"cluster":   a.id,
		"total":     counts.Total,
		"attention": attention,
	}).Info("scan finished")
	return attention, nil
}

// Repair restores redundancy for keys where a reachable stripe drive holds
// a stale or missing copy: the value is re-read through the redundancy
// provider and force-written to the whole stripe. Keys whose only damage
// is unreachable drives cannot be repaired and are left for a later pass.
func (a *AdminCluster) Repair(ctx context.Context, max int) (int, error) {
	counts := types.KeyCounts{}
	attention := 0
	for _, key := range a.listKeys(ctx, max) {
		counts.Total++
		switch a.assessKey(ctx, key) {
		case keyHealthy:
			continue
		case keyUnreadable:
			counts.Unrepairable++
			attention++
			continue
		case keyIncomplete:
			counts.Incomplete++
			attention++
			continue
		case keyNeedAction:
			attention++
			value, version, status := a.Get(ctx, key, false)
			if !status.OK() {
				counts.Unrepairable++
				continue
			}
			if _, status := a.Put(ctx, key, version, value, true); status.OK() {
				counts.Repaired++
			} else {
				adminLogger.WithFields(logrus.Fields{
					"cluster": a.id,
					"status":  status.String(),
				}).Warn("repair write failed")
			}
		}
	}
	a.setCounts(counts)
	return attention, nil
}

// Reset force-removes up to max keys from the cluster.
func (a *AdminCluster) Reset(ctx context.Context, max int) (int, error) {
	counts := types.KeyCounts{}
	processed := 0
	for _, key := range a.listKeys(ctx, max) {
		counts.Total++
		processed++
		if status := a.Remove(ctx, key, "", true); status.OK() {
			counts.Removed++
		}
	}
	a.setCounts(counts)
	return processed, nil
}

func (a *AdminCluster) setCounts(counts types.KeyCounts) {
	a.countsMu.Lock()
	defer a.countsMu.Unlock()
	a.counts = counts
}
