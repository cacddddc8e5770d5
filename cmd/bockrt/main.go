package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/bock-rs/bock-core/internal/reexec"
	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/version"
)

func main() {
	if reexec.Init() {
		return
	}

	app := &cli.App{
		Name:    version.ProgramName,
		Version: version.Version,
		Usage:   "A Linux OCI container core runtime",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Path to the container state directory",
				EnvVars: []string{"BOCK_ROOT"},
			},
			&cli.StringFlag{
				Name:    "log",
				Value:   "info",
				Usage:   "Log level: trace|debug|info|warn|error",
				EnvVars: []string{"BOCK_LOG"},
			},
		},

		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("invalid log level %q", c.String("log")), 1)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},

		Commands: []*cli.Command{
			createCommand,
			startCommand,
			runCommand,
			killCommand,
			pauseCommand,
			resumeCommand,
			execCommand,
			deleteCommand,
			stateCommand,
			listCommand,
			eventsCommand,
			specCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// resolveRoot implements SPEC_FULL.md's root precedence: --root >
// BOCK_ROOT (folded into --root by the EnvVars flag above, and used
// only when --root is not given on the command line) >
// $XDG_RUNTIME_DIR/bock (rootless) > /var/lib/bock.
func resolveRoot(c *cli.Context) string {
	if root := c.String("root"); root != "" {
		return root
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "bock")
	}
	return "/var/lib/bock"
}

// exitCodeFor maps a bockerr.Kind to the process exit code spec.md §6
// assigns per command; commands that need a different mapping (create's
// 1/2/3 split, start's 1/2, exec's 125/126/127) set cli.Exit explicitly
// instead of returning a bare error, so this is only the fallback.
func exitCodeFor(err error) int {
	if exitErr, ok := err.(cli.ExitCoder); ok {
		return exitErr.ExitCode()
	}
	switch bockerr.KindOf(err) {
	case bockerr.InvalidSpec:
		return 1
	case bockerr.AlreadyExists:
		return 2
	default:
		return 1
	}
}
