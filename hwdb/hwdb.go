package hwdb

import (
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DriverBuilder produces the host-side simulation driver for one hardware
// configuration and returns the path of the built artifact. Injected so that
// the real toolchain build stays outside this package.
type DriverBuilder func(cfg *RuntimeHWConfig) (string, error)

// RuntimeHWConfig describes one entry of the hardware configuration database:
// the accelerator image to load and the deploy triplet used to locate its
// build collateral. Triplet resolution and driver builds happen at most once
// per process and are cached on the config itself.
type RuntimeHWConfig struct {
	Name             string `toml:"-"`
	AcceleratorImage string `toml:"accelerator_image"`
	DeployTriplet    string `toml:"deploy_triplet"`
	RuntimeConfig    string `toml:"runtime_config"`

	tripletOnce sync.Once
	driverOnce  sync.Once
	driverPath  string
	driverErr   error
	buildCount  int
	mu          sync.Mutex
}

// ResolveDeployTriplet resolves and caches the deploy triplet for this
// config. Repeated calls return the cached value without re-resolving.
func (c *RuntimeHWConfig) ResolveDeployTriplet() string {
	c.tripletOnce.Do(func() {
		if c.DeployTriplet == "" {
			c.DeployTriplet = fmt.Sprintf("FireSim-%s-unknown", c.Name)
			log.Warnf("hwdb: config %s has no deploy triplet, defaulting to %s", c.Name, c.DeployTriplet)
		}
		log.Infof("hwdb: resolved deploy triplet for %s: %s", c.Name, c.DeployTriplet)
	})
	return c.DeployTriplet
}

// BuildDriver builds the simulation driver for this config using builder.
// The build runs at most once per process; later calls return the cached
// artifact path.
func (c *RuntimeHWConfig) BuildDriver(builder DriverBuilder) (string, error) {
	c.driverOnce.Do(func() {
		c.mu.Lock()
		c.buildCount++
		c.mu.Unlock()
		log.Infof("hwdb: building driver for %s (triplet %s)", c.Name, c.ResolveDeployTriplet())
		c.driverPath, c.driverErr = builder(c)
	})
	return c.driverPath, c.driverErr
}

// BuildCount reports how many times the driver build actually ran.
func (c *RuntimeHWConfig) BuildCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildCount
}

// DB is the hardware configuration registry, keyed by config name.
type DB struct {
	configs map[string]*RuntimeHWConfig
}

func NewDB(configs ...*RuntimeHWConfig) *DB {
	db := &DB{configs: make(map[string]*RuntimeHWConfig)}
	for _, c := range configs {
		db.configs[c.Name] = c
	}
	return db
}

// LoadTOML reads a hardware configuration database file. Each top-level
// table is one config, keyed by its name.
func LoadTOML(path string) (*DB, error) {
	var raw map[string]*RuntimeHWConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("failed to load hwdb file %s: %w", path, err)
	}
	db := &DB{configs: make(map[string]*RuntimeHWConfig, len(raw))}
	for name, cfg := range raw {
		cfg.Name = name
		db.configs[name] = cfg
	}
	log.Infof("hwdb: loaded %d hardware configs from %s", len(db.configs), path)
	return db, nil
}

// Get resolves a config by name.
func (db *DB) Get(name string) (*RuntimeHWConfig, error) {
	cfg, ok := db.configs[name]
	if !ok {
		return nil, fmt.Errorf("hwdb: no hardware config named %q", name)
	}
	return cfg, nil
}
