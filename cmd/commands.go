package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fbettag/kasa-web-controller/internal/config"
	"github.com/fbettag/kasa-web-controller/internal/connection"
	"github.com/fbettag/kasa-web-controller/internal/device"
	"github.com/fbettag/kasa-web-controller/internal/identity"
	"github.com/fbettag/kasa-web-controller/internal/kasa"
	"github.com/spf13/cobra"
)

var (
	scanTarget  string
	scanTimeout time.Duration
	scanAll     bool
	childID     string
	adminPass   string
)

func init() {
	discoverCmd.Flags().StringVar(&scanTarget, "target", "", "Broadcast or unicast address to probe (default from config)")
	discoverCmd.Flags().DurationVar(&scanTimeout, "timeout", 5*time.Second, "How long to collect replies")
	discoverCmd.Flags().BoolVar(&scanAll, "all", false, "Probe every target used by the whitelist")

	deviceCmd.Flags().StringVar(&scanTarget, "target", "", "Broadcast or unicast address to probe (default from config)")
	deviceCmd.Flags().DurationVar(&scanTimeout, "timeout", 5*time.Second, "How long to collect replies")
	deviceCmd.Flags().StringVar(&childID, "child", "", "Outlet index on a power strip")

	setAdminCmd.Flags().StringVar(&adminPass, "password", "", "Admin password")
	_ = setAdminCmd.MarkFlagRequired("password")

	whitelistCmd.AddCommand(whitelistListCmd, whitelistAddCmd, whitelistRemoveCmd)

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(setAdminCmd)
	rootCmd.AddCommand(whitelistCmd)
}

// discoverCmd sweeps the network once
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find Kasa devices on the network",
	Long: `Broadcast a system info probe and list every Kasa device that answers.

Whitelisted devices are marked with their id.`,
	Example: `  # Sweep the configured target
  kasa-web-controller discover

  # Probe one subnet broadcast address for 2 seconds
  kasa-web-controller discover --target 192.168.10.255 --timeout 2s`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("warn")
	if err != nil {
		return err
	}

	entries, err := cfg.Whitelist()
	if err != nil {
		return err
	}

	targets := []string{firstNonEmpty(scanTarget, cfg.Discovery.Target, "255.255.255.255")}
	if scanAll {
		seen := map[string]bool{targets[0]: true}
		for _, e := range entries {
			if !seen[e.Target] {
				seen[e.Target] = true
				targets = append(targets, e.Target)
			}
		}
	}

	t := kasa.New(logger)
	found := make(map[string]connection.Discovered)
	for _, target := range targets {
		fmt.Fprintf(cmd.OutOrStdout(), "Probing %s (timeout: %s)...\n", target, scanTimeout)
		res, err := connection.Discover(cmd.Context(), t, target, scanTimeout)
		if err != nil {
			return fmt.Errorf("discovery on %s failed: %w", target, err)
		}
		for mac, d := range res {
			found[mac] = d
		}
	}

	printDiscovered(cmd.OutOrStdout(), found, entries)
	return nil
}

func printDiscovered(w io.Writer, found map[string]connection.Discovered, entries []device.Entry) {
	if len(found) == 0 {
		fmt.Fprintln(w, "\nNo devices found.")
		return
	}

	byMAC := make(map[string]device.Entry, len(entries))
	for _, e := range entries {
		byMAC[e.MAC] = e
	}

	macs := make([]string, 0, len(found))
	for mac := range found {
		macs = append(macs, mac)
	}
	sort.Strings(macs)

	fmt.Fprintf(w, "\nFound %d device(s):\n\n", len(found))
	for _, mac := range macs {
		d := found[mac]
		mark := ""
		if e, ok := byMAC[mac]; ok {
			mark = fmt.Sprintf("  [%s %s]", e.ID, e.Name)
		}
		fmt.Fprintf(w, "%s  %-15s  %-8s  %q  %s%s\n", mac, d.Addr, d.Snapshot.Model, d.Snapshot.Alias, onOff(d.Snapshot.IsOn), mark)
		for _, c := range d.Snapshot.Children {
			fmt.Fprintf(w, "    outlet %s  %q  %s\n", c.ID, c.Alias, onOff(c.IsOn))
		}
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// deviceCmd shows or switches a single device
var deviceCmd = &cobra.Command{
	Use:   "device <mac> [on|off]",
	Short: "Show or switch one device by MAC",
	Long: `Locate a device by MAC address with a broadcast sweep, print what it
reports and optionally switch it or one of its outlets.`,
	Example: `  kasa-web-controller device AA:BB:CC:DD:EE:01
  kasa-web-controller device aabb.ccdd.ee01 on
  kasa-web-controller device AA-BB-CC-DD-EE-FF off --child 2`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDevice,
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("warn")
	if err != nil {
		return err
	}

	id, mac, err := identity.ParseID(args[0])
	if err != nil {
		return err
	}

	var action device.Action
	if len(args) == 2 {
		if action, err = device.ParseAction(args[1]); err != nil {
			return fmt.Errorf("%w: %q", err, args[1])
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout+cfg.Queue.LadderTimeout)
	defer cancel()

	t := kasa.New(logger)
	target := firstNonEmpty(scanTarget, cfg.Discovery.Target, "255.255.255.255")
	found, err := connection.Discover(ctx, t, target, scanTimeout)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}
	d, ok := found[mac]
	if !ok {
		return fmt.Errorf("%w: %s not found on %s", device.ErrDeviceOffline, mac, target)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s (id %s) at %s\n", mac, id, d.Addr)
	printDiscovered(out, map[string]connection.Discovered{mac: d}, nil)

	if action == "" {
		return nil
	}

	if childID != "" {
		st := device.State{IsStrip: len(d.Snapshot.Children) > 0, Children: d.Snapshot.Children}
		if !st.IsStrip || !st.HasChild(childID) {
			return fmt.Errorf("%w: %q", device.ErrInvalidChildID, childID)
		}
	}

	var creds *device.Credentials
	if cfg.Credentials.Username != "" && cfg.Credentials.Password != "" {
		creds = &device.Credentials{Username: cfg.Credentials.Username, Password: cfg.Credentials.Password}
	}

	h, err := connection.Open(ctx, t, d.Addr, creds, connection.DefaultRetryPolicy())
	if err != nil {
		return err
	}
	defer h.Close()

	snap, err := connection.Send(ctx, h, device.Command{Action: action, ChildID: childID})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nSwitched %s:\n", action)
	printDiscovered(out, map[string]connection.Discovered{mac: {Addr: d.Addr, Snapshot: snap}}, nil)
	return nil
}

// setAdminCmd stores the admin login used by the web API
var setAdminCmd = &cobra.Command{
	Use:   "set-admin <username>",
	Short: "Set the admin login for the web API",
	Long: `Store an admin username and bcrypt password hash in the config file.

Once an admin exists, every mutating API route requires a login session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig("warn")
		if err != nil {
			return err
		}
		if len(adminPass) < 8 {
			return errors.New("password must be at least 8 characters")
		}

		cfg.Admin.Username = args[0]
		if err := cfg.SetAdminPassword(adminPass); err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		if err := config.SaveConfig(configFile, cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Admin user %q saved to %s\n", args[0], configFile)
		return nil
	},
}

// whitelistCmd edits the inline device list; changes apply on restart
var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "List or edit managed devices",
}

var whitelistListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print managed devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig("warn")
		if err != nil {
			return err
		}
		entries, err := cfg.Whitelist()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No devices configured.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s  %s  %-20s  %s\n", e.ID, e.MAC, e.Name, e.Target)
		}
		return nil
	},
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <mac> [name]",
	Short: "Add a device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig("warn")
		if err != nil {
			return err
		}

		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		if err := cfg.AddDevice(args[0], name); err != nil {
			return err
		}
		if err := config.SaveConfig(configFile, cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}

		id, mac, _ := identity.ParseID(args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "Added %s as %s\n", mac, id)
		return nil
	},
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <mac>",
	Short: "Remove a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig("warn")
		if err != nil {
			return err
		}
		if err := cfg.RemoveDevice(args[0]); err != nil {
			return err
		}
		if err := config.SaveConfig(configFile, cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	},
}
