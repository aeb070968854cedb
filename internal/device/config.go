// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/westerndigitalcorporation/safenv/internal/nvstore"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
)

// Config encapsulates parameters for one simulated controller.
type Config struct {
	Name       string `json:"name" yaml:"name"`               // Controller name, used in logs, metrics and failure keys.
	Addr       string `json:"addr" yaml:"addr"`               // Address of the status server, empty for none.
	UseFailure bool   `json:"use_failure" yaml:"use_failure"` // Whether to enable the failure service.

	// --- Flash ---
	PageSize    int    `json:"page_size" yaml:"page_size"`       // Erase granularity in bytes.
	Pages       int    `json:"pages" yaml:"pages"`               // Pages in the device.
	RegionPage  int    `json:"region_page" yaml:"region_page"`   // First page of the configuration region.
	RegionPages int    `json:"region_pages" yaml:"region_pages"` // Pages in the configuration region.
	ImagePath   string `json:"image_path" yaml:"image_path"`     // Flash image file. Empty keeps flash in memory.

	// --- Scheduler ---
	// How often the write state machine is driven.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// --- Peer ---
	DualChannelSync bool          `json:"dual_channel_sync" yaml:"dual_channel_sync"`
	PeerTimeout     time.Duration `json:"peer_timeout" yaml:"peer_timeout"`
	// Modbus/TCP bridge holding the CRC mailboxes. Empty runs the peer
	// channel in loopback, which always agrees.
	PeerEndpoint string `json:"peer_endpoint" yaml:"peer_endpoint"`
	PeerUnitID   uint8  `json:"peer_unit_id" yaml:"peer_unit_id"`
	PeerTxAddr   uint16 `json:"peer_tx_addr" yaml:"peer_tx_addr"`
	PeerRxAddr   uint16 `json:"peer_rx_addr" yaml:"peer_rx_addr"`
}

// Validate validates the configuration object has reasonable(not obviously
// wrong) values.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("controller name can not be empty")
	}
	if c.PageSize <= 0 || c.Pages <= 0 {
		return fmt.Errorf("bad flash geometry %d x %d", c.Pages, c.PageSize)
	}
	if c.RegionPage < 0 || c.RegionPages <= 0 || c.RegionPage+c.RegionPages > c.Pages {
		return fmt.Errorf("region pages [%d, %d) outside the device's %d pages",
			c.RegionPage, c.RegionPage+c.RegionPages, c.Pages)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval %s must be positive", c.TickInterval)
	}
	if c.PeerEndpoint != "" && c.PeerTxAddr == c.PeerRxAddr {
		return fmt.Errorf("peer tx and rx mailboxes overlap at %d", c.PeerTxAddr)
	}
	return c.StoreConfig().Validate()
}

// StoreConfig returns the configuration of the flash block store.
func (c Config) StoreConfig() nvstore.Config {
	return nvstore.Config{
		Name: c.Name,
		Layout: nvstore.Layout{
			Base:     int64(c.RegionPage) * int64(c.PageSize),
			PageSize: c.PageSize,
			Pages:    c.RegionPages,
		},
		DualChannelSync: c.DualChannelSync,
		PeerTimeout:     c.PeerTimeout,
	}
}

// ModbusConfig returns the configuration of the peer mailbox channel.
func (c Config) ModbusConfig() peer.ModbusConfig {
	return peer.ModbusConfig{
		Endpoint:     c.PeerEndpoint,
		UnitID:       c.PeerUnitID,
		TxAddr:       c.PeerTxAddr,
		RxAddr:       c.PeerRxAddr,
		Timeout:      c.PeerTimeout,
		PollInterval: c.TickInterval,
	}
}

// LoadConfig overrides the values in cfg with the ones in the file at path.
// Files ending in .yaml or .yml are read as YAML, everything else as JSON.
func LoadConfig(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// DefaultProdConfig specifies the default values for Config that is used for
// production. The region is the last 4 KiB of a 64 KiB part with 1 KiB pages.
var DefaultProdConfig = Config{
	Name:       "a",
	Addr:       "localhost:59700",
	UseFailure: false,

	PageSize:    1024,
	Pages:       64,
	RegionPage:  60,
	RegionPages: 4,

	TickInterval: 10 * time.Millisecond,

	DualChannelSync: true,
	PeerTimeout:     500 * time.Millisecond,
	PeerUnitID:      1,
	PeerTxAddr:      0,
	PeerRxAddr:      16,
}

// DefaultTestConfig specifies the default values for Config that is used for
// testing. The region holds 8 blocks.
var DefaultTestConfig = Config{
	Name:       "test",
	UseFailure: true,

	PageSize:    2 * nvstore.BlockSize,
	Pages:       6,
	RegionPage:  2,
	RegionPages: 4,

	TickInterval: time.Millisecond,

	DualChannelSync: false,
	PeerTimeout:     time.Second,
}
