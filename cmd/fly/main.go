// Command fly serves static files through a worker process that takes over
// the client connection.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// exit codes
const (
	codeOK       = 0
	codeFailure  = 1
	codeProtocol = 2
)

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fly",
		Short:         "Delegate static file responses to a worker process",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCommand(), newWorkerCommand())
	return root
}

// addWorkerFlags registers the settings shared by serve and worker.
func addWorkerFlags(fs *pflag.FlagSet) {
	fs.String("base-path", "", "absolute directory to serve files from")
	fs.String("header-policy", "headers-first", "headers-first or stat-first")
	fs.Bool("end-on-complete", true, "half-close the connection after the last byte")
	fs.Duration("write-timeout", 0, "deadline for writing one response, 0 for none")
	fs.Duration("linger-timeout", 0, "how long to keep a finished connection open, 0 for no limit")
	fs.Duration("orphan-ttl", 0, "evict unmatched halves after this long, 0 keeps them forever")
	fs.Duration("sweep-interval", time.Second, "how often to look for orphans when orphan-ttl is set")
	fs.Bool("reject-duplicate-ids", false, "keep the first half on request id collisions instead of the last")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("log-format", "console", "console or json")
	fs.String("worker-metrics-listen", "", "address for the worker's /metrics endpoint")
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fly:", err)
		if ee, ok := err.(exitError); ok {
			os.Exit(ee.code)
		}
		os.Exit(codeFailure)
	}
	os.Exit(codeOK)
}
