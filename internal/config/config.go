// Package config loads the engine configuration: three JSON documents
// describing drive locations, drive security and cluster composition, each
// supplied through an environment slot holding either the document itself
// or a path to it, plus an optional yaml tuning file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/stripefs/stripefs/internal/drive"
)

// Default environment slot names. Embedding applications may point the
// loader at different slots.
const (
	EnvDriveLocation     = "STRIPEFS_DRIVE_LOCATION"
	EnvDriveSecurity     = "STRIPEFS_DRIVE_SECURITY"
	EnvClusterDefinition = "STRIPEFS_CLUSTER_DEFINITION"
	EnvTuning            = "STRIPEFS_TUNING"
)

// DrivePair is the prioritized endpoint pair of one drive.
type DrivePair struct {
	Primary   drive.Endpoint
	Secondary drive.Endpoint
}

// ClusterInformation is everything needed to build a cluster instance.
type ClusterInformation struct {
	ID                   string
	NumData              int
	NumParity            int
	BlockSize            int64
	MinReconnectInterval time.Duration
	OperationTimeout     time.Duration
	Drives               []string
}

// Settings sizes the shared cache and background machinery.
type Settings struct {
	CacheCapacity        int64
	CacheTargetSize      int64
	ReadaheadWindow      int
	BackgroundThreads    int
	BackgroundQueueDepth int
}

// Tuning holds operational knobs outside the cluster documents.
type Tuning struct {
	LogLevel string   `yaml:"log_level"`
	S3       S3Tuning `yaml:"s3"`
}

// S3Tuning configures the S3-backed drive connector.
type S3Tuning struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Config is the merged engine configuration.
type Config struct {
	Drives   map[string]DrivePair
	Clusters map[string]ClusterInformation
	Settings Settings
	Tuning   Tuning
}

// wire formats of the three documents

type locationDoc struct {
	Location []struct {
		WWN        string `json:"wwn"`
		Interfaces []struct {
			Name string `json:"name"`
			IP   string `json:"ip"`
			Port int    `json:"port"`
		} `json:"interfaces"`
	} `json:"location"`
}

type securityDoc struct {
	Security []struct {
		WWN      string `json:"wwn"`
		Identity string `json:"identity"`
		Key      string `json:"key"`
	} `json:"security"`
}

type clusterDoc struct {
	Cluster []struct {
		ID                   string   `json:"id"`
		NumData              int      `json:"numData"`
		NumParity            int      `json:"numParity"`
		BlockSize            int64    `json:"blockSize"`
		MinReconnectInterval int      `json:"minReconnectInterval"`
		OperationTimeout     int      `json:"operationTimeout"`
		Drives               []string `json:"drives"`
	} `json:"cluster"`
	Configuration struct {
		CacheCapacity        int64 `json:"cacheCapacity"`
		CacheTargetSize      int64 `json:"cacheTargetSize"`
		ReadaheadWindow      int   `json:"readaheadWindow"`
		BackgroundThreads    int   `json:"backgroundThreads"`
		BackgroundQueueDepth int   `json:"backgroundQueueDepth"`
	} `json:"configuration"`
}

// Load reads the configuration from the default environment slots.
func Load() (*Config, error) {
	return LoadSlots(EnvDriveLocation, EnvDriveSecurity, EnvClusterDefinition, EnvTuning)
}

// LoadSlots reads the configuration from the named environment slots.
func LoadSlots(locationEnv, securityEnv, clusterEnv, tuningEnv string) (*Config, error) {
	location, err := readSlot(os.Getenv(locationEnv))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", locationEnv, err)
	}
	security, err := readSlot(os.Getenv(securityEnv))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", securityEnv, err)
	}
	clusters, err := readSlot(os.Getenv(clusterEnv))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", clusterEnv, err)
	}

	cfg, err := Parse(location, security, clusters)
	if err != nil {
		return nil, err
	}

	if path := os.Getenv(tuningEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading tuning file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg.Tuning); err != nil {
			return nil, fmt.Errorf("parsing tuning file: %w", err)
		}
	}
	return cfg, nil
}

// readSlot resolves an environment slot: inline JSON is used as is, any
// other non-empty value is treated as a file path.
func readSlot(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("slot is empty")
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return []byte(trimmed), nil
	}
	return os.ReadFile(trimmed)
}

// Parse merges the three documents into a configuration.
func Parse(location, security, clusters []byte) (*Config, error) {
	var locDoc locationDoc
	if err := json.Unmarshal(location, &locDoc); err != nil {
		return nil, fmt.Errorf("parsing drive location document: %w", err)
	}
	var secDoc securityDoc
	if err := json.Unmarshal(security, &secDoc); err != nil {
		return nil, fmt.Errorf("parsing drive security document: %w", err)
	}
	var cluDoc clusterDoc
	if err := json.Unmarshal(clusters, &cluDoc); err != nil {
		return nil, fmt.Errorf("parsing cluster definition document: %w", err)
	}

	credentials := make(map[string]struct{ identity, key string })
	for _, s := range secDoc.Security {
		credentials[s.WWN] = struct{ identity, key string }{s.Identity, s.Key}
	}

	cfg := &Config{
		Drives:   make(map[string]DrivePair),
		Clusters: make(map[string]ClusterInformation),
	}
	for _, loc := range locDoc.Location {
		if len(loc.Interfaces) == 0 {
			return nil, fmt.Errorf("drive %q has no interfaces", loc.WWN)
		}
		cred := credentials[loc.WWN]
		endpoint := func(i int) drive.Endpoint {
			return drive.Endpoint{
				WWN:      loc.WWN,
				Host:     loc.Interfaces[i].IP,
				Port:     loc.Interfaces[i].Port,
				Identity: cred.identity,
				Key:      cred.key,
			}
		}
		pair := DrivePair{Primary: endpoint(0), Secondary: endpoint(0)}
		if len(loc.Interfaces) > 1 {
			pair.Secondary = endpoint(1)
		}
		cfg.Drives[loc.WWN] = pair
	}

	for _, cl := range cluDoc.Cluster {
		cfg.Clusters[cl.ID] = ClusterInformation{
			ID:                   cl.ID,
			NumData:              cl.NumData,
			NumParity:            cl.NumParity,
			BlockSize:            cl.BlockSize,
			MinReconnectInterval: time.Duration(cl.MinReconnectInterval) * time.Second,
			OperationTimeout:     time.Duration(cl.OperationTimeout) * time.Second,
			Drives:               cl.Drives,
		}
	}

	cfg.Settings = Settings{
		CacheCapacity:        cluDoc.Configuration.CacheCapacity,
		CacheTargetSize:      cluDoc.Configuration.CacheTargetSize,
		ReadaheadWindow:      cluDoc.Configuration.ReadaheadWindow,
		BackgroundThreads:    cluDoc.Configuration.BackgroundThreads,
		BackgroundQueueDepth: cluDoc.Configuration.BackgroundQueueDepth,
	}
	if cfg.Settings.CacheTargetSize == 0 {
		cfg.Settings.CacheTargetSize = cfg.Settings.CacheCapacity / 2
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-document consistency.
func (c *Config) Validate() error {
	for id, cl := range c.Clusters {
		if cl.NumData < 1 {
			return fmt.Errorf("cluster %q: numData must be at least 1", id)
		}
		if cl.NumParity < 0 {
			return fmt.Errorf("cluster %q: numParity cannot be negative", id)
		}
		if len(cl.Drives) < cl.NumData+cl.NumParity {
			return fmt.Errorf("cluster %q: stripe of %d needs at least that many drives, have %d",
				id, cl.NumData+cl.NumParity, len(cl.Drives))
		}
		for _, wwn := range cl.Drives {
			if _, ok := c.Drives[wwn]; !ok {
				return fmt.Errorf("cluster %q references unknown drive %q", id, wwn)
			}
		}
	}
	if c.Settings.CacheCapacity < c.Settings.CacheTargetSize {
		return fmt.Errorf("cache target size %d may not exceed capacity %d",
			c.Settings.CacheTargetSize, c.Settings.CacheCapacity)
	}
	return nil
}
