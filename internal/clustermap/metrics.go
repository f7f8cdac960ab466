package clustermap

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stripefs/stripefs/internal/metrics"
	"github.com/stripefs/stripefs/pkg/types"
)

// metricsFor instruments shared cluster handles. Admin handles and
// registry-less maps run without collectors; registering the same cluster
// id twice would collide on the registry.
func metricsFor(registry prometheus.Registerer, id string, redundancy types.RedundancyType, withMetrics bool) *metrics.ClusterMetrics {
	if registry == nil || !withMetrics {
		return nil
	}
	return metrics.NewClusterMetrics(registry, id+"-"+redundancy.String())
}
