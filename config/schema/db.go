package schema

import "gorm.io/gorm"

// NetworkConfig overrides or adds a network at runtime.
type NetworkConfig struct {
	gorm.Model
	Name       string `gorm:"uniqueIndex:idx_network_name;size:64" json:"name"`
	Rpc        string `json:"rpc"`
	Contract   string `json:"contract"`
	StartBlock uint64 `json:"startBlock"`
	Available  bool   `gorm:"index:idx_network_available" json:"available"` // true means effective
}

type IpRateWhitelist struct {
	OriginOrIP  string // e.g "188.0.2.2"
	Available   bool   `gorm:"index:idx3"` // true means effective
	Description string
}
