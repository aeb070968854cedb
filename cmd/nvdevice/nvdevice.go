// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/safenv/internal/device"
	"github.com/westerndigitalcorporation/safenv/internal/peer"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/pkg/failures"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

/*

Configuring various parameters follows three steps:

  (1) Default config parameters are pulled from 'device.DefaultProdConfig'.

  (2) An optional configuration file (json, or yaml if it ends in .yaml/.yml)
      can be given with '-deviceCfg' to override the default values.

  (3) Optional flags can be used to override each individual parameter set in
      the previous two steps, e.g., '-peer=bridge:502'.

*/

var (
	cfg = device.DefaultProdConfig

	// Config file name.
	deviceFile = flag.String("deviceCfg", "", "configuration file for the controller")

	name       = flag.String("name", "", "controller name")
	addr       = flag.String("addr", "", "status server address")
	image      = flag.String("image", "", "flash image file, empty keeps flash in memory")
	peerAddr   = flag.String("peer", "", "modbus/tcp bridge holding the crc mailboxes")
	useFailure = flag.Bool("useFailure", false, "whether to enable the failure service")
	noSync     = flag.Bool("noSync", false, "disable the crc exchange with the sibling")
)

// Initialize config parameters. It first tries to read from the configuration
// file and then applies the command-line flags to override specified values.
func init() {
	flag.Parse()

	if *deviceFile != "" {
		if err := device.LoadConfig(*deviceFile, &cfg); err != nil {
			log.Fatalf("failed to load the config file: %s", err)
		}
	}

	// NOTE: Because of how Go's flag package works, there is no way to tell
	// if a value is set by the user or not. Therefore, we use meaningless
	// default values to check whether a particular flag is set, and only
	// override the corresponding value if so.
	if *name != "" {
		cfg.Name = *name
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *image != "" {
		cfg.ImagePath = *image
	}
	if *peerAddr != "" {
		cfg.PeerEndpoint = *peerAddr
	}
	if *useFailure {
		cfg.UseFailure = true
	}
	if *noSync {
		cfg.DualChannelSync = false
	}
}

// openFlash opens the persistent image, or an in-memory part that accepts
// injected faults.
func openFlash() flash.Device {
	if cfg.ImagePath == "" {
		dev, err := flash.NewMemDevice(cfg.PageSize, cfg.Pages)
		if err != nil {
			log.Fatalf("couldn't create flash: %s", err)
		}
		return dev
	}
	dev, err := flash.OpenBoltDevice(cfg.ImagePath, cfg.PageSize, cfg.Pages)
	if err != nil {
		log.Fatalf("couldn't open flash image %s: %s", cfg.ImagePath, err)
	}
	return dev
}

// openPeer connects to the sibling. Without an endpoint the channel loops
// back, which always agrees.
func openPeer() peer.Channel {
	if !cfg.DualChannelSync {
		return nil
	}
	var ch peer.Channel = peer.Loopback{}
	if cfg.PeerEndpoint != "" {
		mc, err := peer.DialModbus(cfg.ModbusConfig())
		if err != nil {
			log.Fatalf("couldn't reach peer bridge %s: %s", cfg.PeerEndpoint, err)
		}
		ch = mc
	} else {
		log.Warningf("no peer endpoint, crc exchange runs in loopback")
	}
	if cfg.UseFailure {
		return peer.NewFaulty(ch)
	}
	return ch
}

func main() {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Failed to validate configurations: %v", err)
	}

	dev := openFlash()
	ch := openPeer()
	ctl, err := device.New(cfg, dev, ch, safety.HaltHandler{})
	if err != nil {
		log.Fatalf("couldn't create controller: %s", err)
	}

	mux := ctl.Handler()
	if cfg.UseFailure {
		log.Infof("enabling failure service")
		failures.InitWithPathAndMux(mux, failures.DefaultFailureServicePath)
		if err := ctl.RegisterFailures(failures.Default); err != nil {
			log.Fatalf("couldn't register failure handlers: %s", err)
		}
	}
	if cfg.Addr != "" {
		go func() {
			log.Infof("status server on %s", cfg.Addr)
			log.Fatal(http.ListenAndServe(cfg.Addr, mux))
		}()
	}

	if err := ctl.Boot(); err != nil {
		log.Fatalf("boot failed: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("shutting down")
		cancel()
	}()

	log.Infof("starting controller %s...", cfg.Name)
	err = ctl.Run(ctx)
	if c, ok := dev.(interface{ Close() error }); ok {
		c.Close()
	}
	if err != context.Canceled {
		log.Fatalf("controller stopped: %s", err)
	}
	log.Flush()
}
