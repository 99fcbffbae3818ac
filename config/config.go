package config

import (
	"os"
	"strings"
	"sync"
	"time"

	types "github.com/Durchex/piecesync/schema"
	"github.com/go-co-op/gocron"
	"gopkg.in/yaml.v3"
)

// Config resolves network endpoints. Static networks come from the yaml
// file and flags, rows of the network_configs table take precedence.
type Config struct {
	wdb       *Wdb
	scheduler *gocron.Scheduler

	lock        sync.RWMutex
	static      map[string]types.Network
	networks    map[string]types.Network
	ipWhiteList map[string]struct{}
}

func New(static map[string]types.Network, wdb *Wdb) (*Config, error) {
	c := &Config{
		wdb:         wdb,
		scheduler:   gocron.NewScheduler(time.UTC),
		static:      copyNetworks(static),
		networks:    copyNetworks(static),
		ipWhiteList: make(map[string]struct{}),
	}
	if wdb != nil {
		if err := wdb.Migrate(); err != nil {
			return nil, err
		}
		c.Refresh()
	}
	return c, nil
}

// LoadFile reads a yaml service config. A missing path yields an empty config.
func LoadFile(path string) (*types.Config, error) {
	conf := &types.Config{Networks: make(map[string]types.Network)}
	if path == "" {
		return conf, nil
	}
	by, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(by, conf); err != nil {
		return nil, err
	}
	if conf.Networks == nil {
		conf.Networks = make(map[string]types.Network)
	}
	return conf, nil
}

func (c *Config) Network(name string) (types.Network, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	n, ok := c.networks[strings.ToLower(name)]
	return n, ok
}

// RpcEndpoint returns "" when the network has no endpoint configured.
func (c *Config) RpcEndpoint(name string) string {
	n, _ := c.Network(name)
	return n.Rpc
}

func (c *Config) Networks() []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	names := make([]string, 0, len(c.networks))
	for name := range c.networks {
		names = append(names, name)
	}
	return names
}

func (c *Config) IsWhitelisted(ip string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	_, ok := c.ipWhiteList[ip]
	return ok
}

func (c *Config) Run() {
	if c.wdb == nil {
		return
	}
	go c.runJobs()
}

func (c *Config) Close() {
	c.scheduler.Stop()
}

func copyNetworks(src map[string]types.Network) map[string]types.Network {
	dst := make(map[string]types.Network, len(src))
	for name, n := range src {
		dst[strings.ToLower(name)] = n
	}
	return dst
}
