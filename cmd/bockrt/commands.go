package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
	"github.com/bock-rs/bock-core/pkg/event"
	"github.com/bock-rs/bock-core/pkg/lifecycle"
	"github.com/bock-rs/bock-core/pkg/network"
	"github.com/bock-rs/bock-core/pkg/process"
)

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "Create a container from a bundle, without starting it",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bundle", Aliases: []string{"b"}, Required: true, Usage: "Path to the OCI bundle"},
		&cli.BoolFlag{Name: "rootless", Usage: "Treat cgroup/id-map permission failures as expected, not fatal"},
		&cli.BoolFlag{Name: "cgroup-strict", Usage: "Fail create instead of downgrading cgroup permission errors to warnings"},
		&cli.StringFlag{Name: "network", Value: "bridge", Usage: "Network mode: bridge, host, none, macvlan, or ipvlan"},
		&cli.StringFlag{Name: "bridge-name", Usage: "Host bridge device name (bridge mode)"},
		&cli.StringFlag{Name: "bridge-cidr", Usage: "Bridge subnet, e.g. 10.88.0.0/16 (bridge mode)"},
		&cli.StringFlag{Name: "gateway", Usage: "Container default route (bridge mode)"},
		&cli.StringFlag{Name: "network-parent", Usage: "Host interface to attach macvlan/ipvlan sub-interfaces to"},
		&cli.StringSliceFlag{Name: "publish", Aliases: []string{"p"}, Usage: "Publish a port: hostport:containerport[/proto]"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		netOpts, err := networkOptionsFromFlags(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		lc := lifecycle.New(resolveRoot(c))
		_, err = lc.Create(lifecycle.CreateOptions{
			ID:           id,
			BundlePath:   c.String("bundle"),
			Mode:         process.StdioPipes,
			Rootless:     c.Bool("rootless"),
			CgroupStrict: c.Bool("cgroup-strict"),
			Network:      netOpts,
		})
		if err != nil {
			return createExitError(err)
		}
		return nil
	},
}

// networkOptionsFromFlags translates create's --network/--publish flags
// into lifecycle.NetworkOptions. "host" mode returns nil: host-mode
// containers request no fresh network namespace at all (spec.md §4.7),
// so there is nothing for NetworkPlumber to attach.
func networkOptionsFromFlags(c *cli.Context) (*lifecycle.NetworkOptions, error) {
	mode := network.Mode(c.String("network"))
	if mode == "host" {
		return nil, nil
	}

	ports, err := parsePortMappings(c.StringSlice("publish"))
	if err != nil {
		return nil, err
	}

	opts := &lifecycle.NetworkOptions{
		Mode:   mode,
		Parent: c.String("network-parent"),
		Ports:  ports,
	}
	if mode == network.ModeNone {
		return opts, nil
	}

	opts.BridgeName = c.String("bridge-name")
	if raw := c.String("bridge-cidr"); raw != "" {
		_, cidr, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid --bridge-cidr %q: %w", raw, err)
		}
		opts.BridgeCIDR = cidr
	}
	if raw := c.String("gateway"); raw != "" {
		gw := net.ParseIP(raw)
		if gw == nil {
			return nil, fmt.Errorf("invalid --gateway %q", raw)
		}
		opts.Gateway = gw
	}
	return opts, nil
}

// parsePortMappings parses "hostport:containerport[/proto]" entries,
// the same shape docker/podman's -p flag accepts.
func parsePortMappings(raw []string) ([]network.PortMapping, error) {
	mappings := make([]network.PortMapping, 0, len(raw))
	for _, spec := range raw {
		proto := "tcp"
		if idx := strings.LastIndex(spec, "/"); idx != -1 {
			proto = spec[idx+1:]
			spec = spec[:idx]
		}
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --publish %q: want hostport:containerport[/proto]", spec)
		}
		hostPort, err := strconv.ParseUint(parts[0], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in --publish %q: %w", spec, err)
		}
		containerPort, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid container port in --publish %q: %w", spec, err)
		}
		mappings = append(mappings, network.PortMapping{
			HostPort:      uint16(hostPort),
			ContainerPort: uint16(containerPort),
			Protocol:      proto,
		})
	}
	return mappings, nil
}

func createExitError(err error) error {
	switch bockerr.KindOf(err) {
	case bockerr.InvalidSpec:
		return cli.Exit(err, 1)
	case bockerr.AlreadyExists:
		return cli.Exit(err, 2)
	default:
		return cli.Exit(err, 3)
	}
}

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "Start a previously created container's entrypoint",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		lc := lifecycle.New(resolveRoot(c))
		if _, err := lc.Start(id); err != nil {
			if bockerr.KindOf(err) == bockerr.InvalidTransition {
				return cli.Exit(err, 1)
			}
			return cli.Exit(err, 2)
		}
		return nil
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "create + start + wait in one call",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bundle", Aliases: []string{"b"}, Required: true, Usage: "Path to the OCI bundle"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		lc := lifecycle.New(resolveRoot(c))
		if _, err := lc.Create(lifecycle.CreateOptions{
			ID:         id,
			BundlePath: c.String("bundle"),
			Mode:       process.StdioTerminal,
		}); err != nil {
			return createExitError(err)
		}
		if _, err := lc.Start(id); err != nil {
			return cli.Exit(err, 2)
		}
		if err := lc.Wait(id); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var killCommand = &cli.Command{
	Name:      "kill",
	Usage:     "Send a signal to a running container",
	ArgsUsage: "<id> [signal]",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		sig := unix.SIGTERM
		if raw := c.Args().Get(1); raw != "" {
			parsed, err := parseSignal(raw)
			if err != nil {
				return cli.Exit(err, 1)
			}
			sig = parsed
		}
		lc := lifecycle.New(resolveRoot(c))
		if err := lc.Kill(id, sig); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var pauseCommand = &cli.Command{
	Name:      "pause",
	Usage:     "Freeze a running container",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		return lifecycle.New(resolveRoot(c)).Pause(id)
	},
}

var resumeCommand = &cli.Command{
	Name:      "resume",
	Usage:     "Thaw a paused container",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		return lifecycle.New(resolveRoot(c)).Resume(id)
	},
}

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "Run a new process inside a running container",
	ArgsUsage: "<id> -- <argv...>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "cwd", Usage: "Working directory for the exec'd process"},
		&cli.StringSliceFlag{Name: "env", Usage: "Additional environment variables (KEY=VALUE)"},
		&cli.BoolFlag{Name: "tty", Usage: "Allocate a pty for the exec'd process"},
		&cli.Uint64Flag{Name: "uid", Usage: "UID to run the exec'd process as"},
		&cli.Uint64Flag{Name: "gid", Usage: "GID to run the exec'd process as"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		argv := c.Args().Slice()
		if id == "" || len(argv) < 2 {
			return cli.Exit("usage: exec <id> -- <argv...>", 126)
		}
		argv = argv[1:]

		mode := process.StdioPipes
		if c.Bool("tty") {
			mode = process.StdioTerminal
		}
		lc := lifecycle.New(resolveRoot(c))
		result, err := lc.Exec(id, lifecycle.ExecOptions{
			Process: &bundle.Process{
				Args: argv,
				Env:  append(os.Environ(), c.StringSlice("env")...),
				Cwd:  c.String("cwd"),
				User: specs.User{UID: uint32(c.Uint64("uid")), GID: uint32(c.Uint64("gid"))},
			},
			Mode: mode,
		})
		if err != nil {
			logrus.Errorf("exec failed: %v", err)
			return cli.Exit(err, execExitCode(err))
		}
		_ = result
		return nil
	},
}

// execExitCode follows the runc-established convention spec.md §6 asks
// for: 125 for a runtime error before the process ever ran, 126 for a
// resolved-but-not-executable entrypoint, 127 for one PATH couldn't find.
func execExitCode(err error) int {
	switch bockerr.KindOf(err) {
	case bockerr.NotFound:
		return 127
	case bockerr.Permission:
		return 126
	default:
		return 125
	}
}

var deleteCommand = &cli.Command{
	Name:      "delete",
	Usage:     "Remove a container's on-disk state",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "Kill the container first if it is still running"},
	},
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		lc := lifecycle.New(resolveRoot(c))
		if err := lc.Delete(id, c.Bool("force"), lifecycle.CreateOptions{ID: id}); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	},
}

var stateCommand = &cli.Command{
	Name:      "state",
	Usage:     "Print a container's state as JSON",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		st, err := lifecycle.New(resolveRoot(c)).State(id)
		if err != nil {
			return cli.Exit(err, 1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "Print every container's state as a JSON array",
	Action: func(c *cli.Context) error {
		states, err := lifecycle.New(resolveRoot(c)).List()
		if err != nil {
			return cli.Exit(err, 1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(states)
	},
}

var eventsCommand = &cli.Command{
	Name:      "events",
	Usage:     "Stream a container's event log as line-delimited JSON",
	ArgsUsage: "<id>",
	Action: func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("missing container id", 1)
		}
		root := resolveRoot(c)
		if _, err := lifecycle.New(root).State(id); err != nil {
			return cli.Exit(err, 1)
		}
		logPath := root + "/containers/" + id + "/log"
		stop := make(chan struct{})
		enc := json.NewEncoder(os.Stdout)
		return event.Tail(logPath, stop, func(f event.Frame) {
			_ = enc.Encode(f)
		})
	},
}

var specCommand = &cli.Command{
	Name:      "spec",
	Usage:     "Write a starter config.json into a bundle directory",
	ArgsUsage: "",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "bundle", Aliases: []string{"b"}, Value: ".", Usage: "Bundle directory to write config.json into"},
	},
	Action: func(c *cli.Context) error {
		return writeSpecScaffold(c.String("bundle"))
	},
}

func parseSignal(raw string) (unix.Signal, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(strings.TrimPrefix(raw, "SIG"))
	sig, ok := signalsByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown signal %q", raw)
	}
	return sig, nil
}

var signalsByName = map[string]unix.Signal{
	"HUP":   unix.SIGHUP,
	"INT":   unix.SIGINT,
	"QUIT":  unix.SIGQUIT,
	"ILL":   unix.SIGILL,
	"TRAP":  unix.SIGTRAP,
	"ABRT":  unix.SIGABRT,
	"KILL":  unix.SIGKILL,
	"USR1":  unix.SIGUSR1,
	"USR2":  unix.SIGUSR2,
	"SEGV":  unix.SIGSEGV,
	"PIPE":  unix.SIGPIPE,
	"ALRM":  unix.SIGALRM,
	"TERM":  unix.SIGTERM,
	"CHLD":  unix.SIGCHLD,
	"CONT":  unix.SIGCONT,
	"STOP":  unix.SIGSTOP,
	"TSTP":  unix.SIGTSTP,
	"WINCH": unix.SIGWINCH,
}
