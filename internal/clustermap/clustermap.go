// Package clustermap produces cluster handles by id from configuration.
// Regular handles are cached and shared; admin handles are built fresh so
// maintenance passes never disturb I/O traffic counters.
package clustermap

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stripefs/stripefs/internal/cluster"
	"github.com/stripefs/stripefs/internal/config"
	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/pkg/types"
)

// ClusterMap resolves cluster ids to engine instances.
type ClusterMap struct {
	mu          sync.Mutex
	connector   drive.Connector
	clusterInfo map[string]config.ClusterInformation
	driveInfo   map[string]config.DrivePair
	// separate handle caches per redundancy mode: the same id can serve both
	ecCache   map[string]cluster.Cluster
	replCache map[string]cluster.Cluster
	// redundancy providers of the same geometry are shared across clusters
	providers map[string]cluster.RedundancyProvider
	registry  prometheus.Registerer
}

// New creates a cluster map over the given connector. The registry may be
// nil to disable metrics.
func New(connector drive.Connector, registry prometheus.Registerer) *ClusterMap {
	return &ClusterMap{
		connector:   connector,
		clusterInfo: make(map[string]config.ClusterInformation),
		driveInfo:   make(map[string]config.DrivePair),
		ecCache:     make(map[string]cluster.Cluster),
		replCache:   make(map[string]cluster.Cluster),
		providers:   make(map[string]cluster.RedundancyProvider),
		registry:    registry,
	}
}

// Reset replaces the configuration. Existing handles keep working; new
// requests resolve against the new maps.
func (m *ClusterMap) Reset(clusterInfo map[string]config.ClusterInformation, driveInfo map[string]config.DrivePair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clusterInfo = clusterInfo
	m.driveInfo = driveInfo
	m.ecCache = make(map[string]cluster.Cluster)
	m.replCache = make(map[string]cluster.Cluster)
}

// GetCluster returns the shared handle for an id, building it on first use.
func (m *ClusterMap) GetCluster(ctx context.Context, id string, redundancy types.RedundancyType) (cluster.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached := m.ecCache
	if redundancy == types.RedundancyReplication {
		cached = m.replCache
	}
	if c, ok := cached[id]; ok {
		return c, nil
	}

	engine, err := m.buildEngine(ctx, id, redundancy, true)
	if err != nil {
		return nil, err
	}
	cached[id] = engine
	return engine, nil
}

// GetAdminCluster returns a fresh admin handle for an id.
func (m *ClusterMap) GetAdminCluster(ctx context.Context, id string, redundancy types.RedundancyType) (*cluster.AdminCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	engine, err := m.buildEngine(ctx, id, redundancy, false)
	if err != nil {
		return nil, err
	}
	return cluster.NewAdminCluster(engine), nil
}

// buildEngine assembles connections, redundancy provider and engine for one
// cluster id. Caller holds m.mu.
func (m *ClusterMap) buildEngine(ctx context.Context, id string, redundancy types.RedundancyType, withMetrics bool) (*cluster.Engine, error) {
	info, ok := m.clusterInfo[id]
	if !ok {
		return nil, fmt.Errorf("no cluster configured with id %q", id)
	}

	connections := make([]*cluster.AutoConnection, 0, len(info.Drives))
	for _, wwn := range info.Drives {
		pair, ok := m.driveInfo[wwn]
		if !ok {
			return nil, fmt.Errorf("cluster %q references unknown drive %q", id, wwn)
		}
		connections = append(connections,
			cluster.NewAutoConnection(m.connector, pair.Primary, pair.Secondary, info.MinReconnectInterval))
	}

	provider, err := m.providerFor(redundancy, info)
	if err != nil {
		return nil, err
	}

	clusterMetrics := metricsFor(m.registry, id, redundancy, withMetrics)
	return cluster.NewEngine(ctx, id, provider, connections, info.OperationTimeout, clusterMetrics)
}

func (m *ClusterMap) providerFor(redundancy types.RedundancyType, info config.ClusterInformation) (cluster.RedundancyProvider, error) {
	key := fmt.Sprintf("%s-%d-%d", redundancy, info.NumData, info.NumParity)
	if p, ok := m.providers[key]; ok {
		return p, nil
	}

	var provider cluster.RedundancyProvider
	var err error
	switch redundancy {
	case types.RedundancyErasure:
		provider, err = cluster.NewErasureProvider(info.NumData, info.NumParity)
	case types.RedundancyReplication:
		provider = cluster.NewReplicationProvider(info.NumParity)
	default:
		err = fmt.Errorf("unknown redundancy type %d", redundancy)
	}
	if err != nil {
		return nil, err
	}
	m.providers[key] = provider
	return provider, nil
}
