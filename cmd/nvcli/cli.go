// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	log "github.com/golang/glog"
	"github.com/golang/snappy"
	"github.com/peterh/liner"

	"github.com/westerndigitalcorporation/safenv/internal/device"
	"github.com/westerndigitalcorporation/safenv/internal/nvstore"
	"github.com/westerndigitalcorporation/safenv/internal/record"
	"github.com/westerndigitalcorporation/safenv/internal/safety"
	"github.com/westerndigitalcorporation/safenv/pkg/flash"
)

// maxSettleTicks bounds how long a command drives the state machine.
const maxSettleTicks = 100000

var usage = `
	nvcli inspects and edits the configuration region of a controller flash
	image, the same way the controller firmware would. Writes go through the
	write buffer and the block store and are driven to completion before the
	command returns.

	You can issue one command against an image:

		nvcli --image <file> [--config <file>] <subcommand> [<flags>...] [<args>...]

	or start a command line interpreter:

		nvcli --image <file> shell

	The image geometry comes from the controller config (--config, json or
	yaml), defaulting to the production layout. A missing image is created
	erased. Booting an image whose region is corrupt resets it to factory
	defaults, as the controller would; use 'scan' to look at it first.
	`

var errUsage = errors.New("bad arguments")

// nvCli runs commands against one flash image. The image and the booted
// controller are kept open between shell commands.
type nvCli struct {
	app *cli.App

	dev    *flash.BoltDevice
	cfg    device.Config
	devKey string

	ctl  *device.Controller
	trap *safety.Recorder

	// True if we are running a shell.
	inShell bool
}

// newNvCli creates a new nvCli object.
func newNvCli() *nvCli {
	b := &nvCli{}
	app := cli.NewApp()
	app.Name = "nvcli"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "image, i",
			Usage: "flash image file",
		},
		cli.StringFlag{
			Name:  "config",
			Usage: "controller config file (json, or yaml by extension)",
		},
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
	}

	fileFlag := cli.StringFlag{
		Name:  "file, f",
		Usage: "file to write the image to or read it from",
	}

	app.Commands = []cli.Command{
		{
			Name:   "scan",
			Usage:  "Lists every slot of the region without booting.",
			Action: b.cmdScan,
		},
		{
			Name:   "dump",
			Usage:  "Prints the committed configuration record.",
			Action: b.cmdDump,
		},
		{
			Name:      "get",
			Usage:     "Prints one committed field.",
			ArgsUsage: "<field>",
			Action:    b.cmdGet,
		},
		{
			Name:      "set",
			Usage:     "Sets one field and commits it.",
			ArgsUsage: "<field> <hex bytes | true | false>",
			Action:    b.cmdSet,
		},
		{
			Name:      "setio",
			Usage:     "Replaces the I/O configuration data and commits it.",
			ArgsUsage: "<hex bytes>",
			Action:    b.cmdSetIO,
		},
		{
			Name:   "defaults",
			Usage:  "Commits factory defaults.",
			Action: b.cmdDefaults,
		},
		{
			Name:  "reset",
			Usage: "Commits factory defaults, keeping the selected identifiers.",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "tunid", Usage: "keep the target UNID"},
				cli.BoolFlag{Name: "cfunid", Usage: "keep the configuration owner"},
				cli.BoolFlag{Name: "ocpunid", Usage: "keep the output connection owner"},
			},
			Action: b.cmdReset,
		},
		{
			Name:   "export",
			Usage:  "Writes a snappy-compressed copy of the whole image.",
			Flags:  []cli.Flag{fileFlag},
			Action: b.cmdExport,
		},
		{
			Name:   "import",
			Usage:  "Replaces the whole image with an exported copy.",
			Flags:  []cli.Flag{fileFlag},
			Action: b.cmdImport,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *nvCli) run(args []string) error {
	return b.app.Run(args)
}

// stop closes the image.
func (b *nvCli) stop() {
	b.ctl = nil
	if b.dev != nil {
		b.dev.Close()
		b.dev = nil
	}
}

func (b *nvCli) beforeSubcommandRun(c *cli.Context) error {
	for _, command := range c.GlobalStringSlice("setup") {
		log.Infof("Running command %q", command)
		args, err := shlex.Split(command)
		if err != nil {
			return err
		}
		if err := b.runCommand(c, args...); err != nil {
			log.Errorf("error: %v", err)
			return err
		}
	}
	return nil
}

// device returns the open image, opening it if the image or config changed.
func (b *nvCli) device(c *cli.Context) (*flash.BoltDevice, error) {
	path := c.GlobalString("image")
	if path == "" {
		log.Errorf("No flash image provided. Use --image/-i.")
		return nil, errUsage
	}
	key := path + "\x00" + c.GlobalString("config")
	if b.dev != nil && b.devKey == key {
		return b.dev, nil
	}
	b.stop()

	cfg := device.DefaultProdConfig
	if f := c.GlobalString("config"); f != "" {
		if err := device.LoadConfig(f, &cfg); err != nil {
			return nil, err
		}
	}
	// There is no sibling on the bench.
	cfg.Name = "nvcli"
	cfg.DualChannelSync = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := flash.OpenBoltDevice(path, cfg.PageSize, cfg.Pages)
	if err != nil {
		return nil, err
	}
	b.dev, b.cfg, b.devKey = dev, cfg, key
	return dev, nil
}

// controller returns a booted controller over the image.
func (b *nvCli) controller(c *cli.Context) (*device.Controller, error) {
	dev, err := b.device(c)
	if err != nil {
		return nil, err
	}
	if b.ctl != nil {
		return b.ctl, nil
	}
	b.trap = safety.NewRecorder()
	ctl, err := device.New(b.cfg, dev, nil, b.trap)
	if err != nil {
		return nil, err
	}
	if err := ctl.Boot(); err != nil {
		log.Errorf("Boot failed, the region now holds factory defaults: %v", err)
		return nil, err
	}
	b.ctl = ctl
	return ctl, nil
}

// settle drives the controller until the last write is on flash. A fatal
// condition drops the controller, so the next command boots again.
func (b *nvCli) settle(ctl *device.Controller) error {
	for i := 0; ctl.IsBusy(); i++ {
		if i == maxSettleTicks {
			return fmt.Errorf("still busy after %d ticks", i)
		}
		if err := ctl.Step(); err != nil {
			b.ctl = nil
			return err
		}
	}
	log.Infof("Committed, %d free blocks", ctl.FreeBlocksRemaining())
	return nil
}

// write runs f against the controller and commits the result.
func (b *nvCli) write(c *cli.Context, f func(ctl *device.Controller) error) error {
	ctl, err := b.controller(c)
	if err != nil {
		return err
	}
	if err := f(ctl); err != nil {
		if b.trap.Tripped() {
			b.ctl = nil
		}
		log.Errorf("error: %v", err)
		return err
	}
	return b.settle(ctl)
}

// cmdScan implements the "scan" subcommand.
func (b *nvCli) cmdScan(c *cli.Context) error {
	dev, err := b.device(c)
	if err != nil {
		return err
	}
	l := b.cfg.StoreConfig().Layout
	slots, err := nvstore.Scan(dev, l)
	if err != nil {
		return err
	}
	log.Infof("region %s, relocation above slot %d", l, l.Threshold())
	for _, si := range slots {
		if si.Blank {
			continue
		}
		crc := "ok"
		if !si.CRCOK {
			crc = "BAD"
		}
		sccrc := "-"
		if si.Record != nil {
			sccrc = fmt.Sprintf("%#04x", si.Record.SCCRC())
		}
		log.Infof("slot %3d: %-14s index=%d crc=%#04x (%s) sccrc=%s", si.Slot, si.StatusString(), si.Index, si.CRC, crc, sccrc)
	}
	return nil
}

// cmdDump implements the "dump" subcommand.
func (b *nvCli) cmdDump(c *cli.Context) error {
	ctl, err := b.controller(c)
	if err != nil {
		return err
	}
	for id := record.FieldAlarmEnable; id.Valid(); id++ {
		v, err := restore(ctl, id)
		if err != nil {
			return err
		}
		log.Infof("%-15s %x", id, v)
	}
	crc, err := ctl.IOConfigCRC()
	if err != nil {
		return err
	}
	active, err := ctl.Store().ActiveIndex()
	if err != nil {
		return err
	}
	log.Infof("%-15s %#04x", "sccrc", crc)
	log.Infof("active slot %d, %d free blocks", active, ctl.FreeBlocksRemaining())
	return nil
}

// cmdGet implements the "get" subcommand.
func (b *nvCli) cmdGet(c *cli.Context) error {
	if len(c.Args()) != 1 {
		return b.help(c)
	}
	id, err := record.ParseFieldID(c.Args().First())
	if err != nil {
		return err
	}
	ctl, err := b.controller(c)
	if err != nil {
		return err
	}
	v, err := restore(ctl, id)
	if err != nil {
		return err
	}
	log.Infof("%s %x", id, v)
	return nil
}

// cmdSet implements the "set" subcommand.
func (b *nvCli) cmdSet(c *cli.Context) error {
	if len(c.Args()) != 2 {
		return b.help(c)
	}
	id, err := record.ParseFieldID(c.Args().First())
	if err != nil {
		return err
	}
	v, err := parseValue(id, c.Args().Get(1))
	if err != nil {
		return err
	}
	return b.write(c, func(ctl *device.Controller) error {
		if id == record.FieldIOConfig {
			return ctl.StoreIOConfig(v)
		}
		return ctl.StoreField(id, v)
	})
}

// cmdSetIO implements the "setio" subcommand.
func (b *nvCli) cmdSetIO(c *cli.Context) error {
	if len(c.Args()) != 1 {
		return b.help(c)
	}
	v, err := parseValue(record.FieldIOConfig, c.Args().First())
	if err != nil {
		return err
	}
	return b.write(c, func(ctl *device.Controller) error { return ctl.StoreIOConfig(v) })
}

// cmdDefaults implements the "defaults" subcommand.
func (b *nvCli) cmdDefaults(c *cli.Context) error {
	return b.write(c, func(ctl *device.Controller) error { return ctl.StoreDefaults() })
}

// cmdReset implements the "reset" subcommand.
func (b *nvCli) cmdReset(c *cli.Context) error {
	var mask uint8
	if c.Bool("tunid") {
		mask |= record.PreserveTUNID
	}
	if c.Bool("cfunid") {
		mask |= record.PreserveCFUNID
	}
	if c.Bool("ocpunid") {
		mask |= record.PreserveOCPUNID
	}
	return b.write(c, func(ctl *device.Controller) error { return ctl.StoreResetPreserving(mask) })
}

// cmdExport implements the "export" subcommand.
func (b *nvCli) cmdExport(c *cli.Context) error {
	file := c.String("file")
	if file == "" {
		return b.help(c)
	}
	dev, err := b.device(c)
	if err != nil {
		return err
	}
	img, err := flash.Snapshot(dev)
	if err != nil {
		return err
	}
	out := snappy.Encode(nil, img)
	if err := os.WriteFile(file, out, 0644); err != nil {
		return err
	}
	log.Infof("Exported %d bytes (%d compressed) to %s", len(img), len(out), file)
	return nil
}

// cmdImport implements the "import" subcommand.
func (b *nvCli) cmdImport(c *cli.Context) error {
	file := c.String("file")
	if file == "" {
		return b.help(c)
	}
	dev, err := b.device(c)
	if err != nil {
		return err
	}
	in, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	img, err := snappy.Decode(nil, in)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if err := flash.Restore(dev, img); err != nil {
		return err
	}
	// The booted state no longer matches flash.
	b.ctl = nil
	log.Infof("Imported %d bytes from %s", len(img), file)
	return nil
}

// cmdShell implements "shell" subcommand.
func (b *nvCli) cmdShell(c *cli.Context) error {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})
	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", c.GlobalString("image")))
		if err != nil {
			log.Errorf("error: %v", err)
			return nil
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return nil
		}
		if args[0] == "shell" {
			log.Errorf("already in a shell")
			continue
		}

		if b.runCommand(c, args...) == nil {
			liner.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the cli gets started already (either from
// the command interpreter or setup flags).
func (b *nvCli) runCommand(c *cli.Context, args ...string) error {
	nvArgs := []string{"nvcli", "--image", c.GlobalString("image"), "--config", c.GlobalString("config")}
	return b.run(append(nvArgs, args...))
}

// help displays the help message of the command and fails it.
func (b *nvCli) help(c *cli.Context) error {
	cli.ShowCommandHelp(c, c.Command.Name)
	return errUsage
}

// restore reads one committed field.
func restore(ctl *device.Controller, id record.FieldID) ([]byte, error) {
	if id == record.FieldIOConfig {
		return ctl.RestoreIOConfig()
	}
	return ctl.RestoreField(id)
}

// parseValue turns a command line value into field bytes. BOOL fields also
// accept true and false; everything else is hex, optionally separated by
// colons.
func parseValue(id record.FieldID, s string) ([]byte, error) {
	if id.Size() == 1 {
		switch strings.ToLower(s) {
		case "true":
			return []byte{1}, nil
		case "false":
			return []byte{0}, nil
		}
	}
	v, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("value %q: %w", s, err)
	}
	if len(v) != id.Size() {
		return nil, fmt.Errorf("%s takes %d bytes, got %d", id, id.Size(), len(v))
	}
	return v, nil
}
