// Command bcachectl is the operator CLI for a running bcached daemon: it
// dials the control socket (spec §6) and sends one line-oriented RPC per
// invocation, printing back whatever the daemon's attribute tree replies.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:   "bcachectl",
		Short: "Control a running bcached cache set",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/bcached.sock", "path to the bcached control socket")

	root.AddCommand(
		getCmd(),
		setCmd(),
		attachCmd(),
		detachCmd(),
		stopCmd(),
		unregisterCmd(),
		addDeviceCmd(),
		triggerGCCmd(),
		pruneCacheCmd(),
		volumeCreateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// send dials the control socket, writes line, and returns the single
// reply line the attribute tree sends back (spec §6: "get/set/op-name,
// one line in, one line out").
func send(line string) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("bcachectl: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("bcachectl: write: %w", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("bcachectl: read: %w", err)
	}
	return strings.TrimRight(reply, "\n"), nil
}

// run sends line and prints the reply, returning a non-nil error both on
// a transport failure and on an "ERR ..." response from the daemon, so
// cobra reports a non-zero exit status either way.
func run(line string) error {
	reply, err := send(line)
	if err != nil {
		return err
	}
	if strings.HasPrefix(reply, "ERR") {
		return fmt.Errorf("%s", strings.TrimPrefix(reply, "ERR "))
	}
	fmt.Println(strings.TrimPrefix(reply, "OK "))
	return nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <attr>",
		Short: "Read one attribute tree value",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("get " + args[0]) },
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <attr> <value>",
		Short: "Write one attribute tree value",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("set " + args[0] + " " + args[1]) },
	}
}

func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <cached-device-path> <set-uuid>",
		Short: "Bring a cached device online under a cache set",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("attach " + args[0] + " " + args[1]) },
	}
}

func detachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach <cached-device-path>",
		Short: "Take a cached device back out of the set",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("detach " + args[0]) },
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut the cache set down cleanly",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return run("stop") },
	}
}

func unregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <device-path>",
		Short: "Remove a device's registration",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("unregister " + args[0]) },
	}
}

func addDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-device <device-path> <tier>",
		Short: "Register a new backing device",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("add_device " + args[0] + " " + args[1]) },
	}
}

func triggerGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-gc",
		Short: "Kick the moving/copying GC pass",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return run("trigger_gc") },
	}
}

func pruneCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache <target-percent>",
		Short: "Evict clean cache entries down to a target occupancy",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return run("prune_cache " + args[0]) },
	}
}

func volumeCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "volume-create <name> <size>",
		Short: "Create a new logical volume backed by the cache set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("blockdev_volume_create " + args[0] + " " + args[1])
		},
	}
}
