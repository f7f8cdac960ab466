// Package stripefs is a client-side storage engine that stripes file blocks
// across a cluster of key-addressable drives, with erasure coding or
// replication, a shared write-back block cache and readahead.
//
// A Runtime is constructed once at startup and threaded into every façade;
// there are no lazily initialized globals.
package stripefs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stripefs/stripefs/internal/cache"
	"github.com/stripefs/stripefs/internal/clustermap"
	"github.com/stripefs/stripefs/internal/config"
	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/internal/metrics"
)

// Runtime owns the process-wide engine state: the cluster map, the shared
// data cache and the metrics registry.
type Runtime struct {
	Config   *config.Config
	Clusters *clustermap.ClusterMap
	Cache    *cache.Cache
	Registry *prometheus.Registry
}

// New assembles a runtime from a loaded configuration and a drive
// connector.
func New(cfg *config.Config, connector drive.Connector) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("no configuration supplied")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	applyLogLevel(cfg.Tuning.LogLevel)

	registry := prometheus.NewRegistry()
	clusters := clustermap.New(connector, registry)
	clusters.Reset(cfg.Clusters, cfg.Drives)

	dataCache, err := cache.New(cache.Config{
		TargetSize:           cfg.Settings.CacheTargetSize,
		Capacity:             cfg.Settings.CacheCapacity,
		ReadaheadWindow:      cfg.Settings.ReadaheadWindow,
		BackgroundThreads:    cfg.Settings.BackgroundThreads,
		BackgroundQueueDepth: cfg.Settings.BackgroundQueueDepth,
	}, metrics.NewCacheMetrics(registry))
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:   cfg,
		Clusters: clusters,
		Cache:    dataCache,
		Registry: registry,
	}, nil
}

func applyLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.WithField("level", level).Warn("ignoring invalid log level")
		return
	}
	logrus.SetLevel(parsed)
}
