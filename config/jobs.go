package config

import "strings"

func (c *Config) runJobs() {
	c.scheduler.Every(1).Minute().SingletonMode().Do(c.updateNetworks)
	c.scheduler.Every(1).Minute().SingletonMode().Do(c.updateIPWhiteList)

	c.scheduler.StartAsync()
}

// Refresh reloads the db backed settings once.
func (c *Config) Refresh() {
	c.updateNetworks()
	c.updateIPWhiteList()
}

func (c *Config) updateNetworks() {
	rows, err := c.wdb.GetAvailableNetworks()
	if err != nil {
		log.Error("c.wdb.GetAvailableNetworks()", "err", err)
		return
	}
	networks := copyNetworks(c.static)
	for _, row := range rows {
		name := strings.ToLower(row.Name)
		n := networks[name]
		if row.Rpc != "" {
			n.Rpc = row.Rpc
		}
		if row.Contract != "" {
			n.Contract = row.Contract
		}
		if row.StartBlock != 0 {
			n.StartBlock = row.StartBlock
		}
		networks[name] = n
	}
	c.lock.Lock()
	c.networks = networks
	c.lock.Unlock()
}

func (c *Config) updateIPWhiteList() {
	ips, err := c.wdb.GetAllAvailableIpRateWhitelist()
	if err != nil {
		return
	}
	ipWhiteList := make(map[string]struct{}, 0)
	for _, ip := range ips {
		if ip.Available {
			ipWhiteList[ip.OriginOrIP] = struct{}{}
		}
	}
	c.lock.Lock()
	c.ipWhiteList = ipWhiteList
	c.lock.Unlock()
}
