// Command pgtemp runs the standalone proxy daemon: a single listening
// endpoint that, for each accepted client connection, synthesizes a fresh
// backing PostgreSQL cluster (or a fresh database on one shared cluster,
// with --single) behind a transparent byte proxy. Grounded on
// host-service.go's main() for its global ctx/cancel-plus-signal-channel
// shutdown shape, enriched with github.com/spf13/cobra for argument
// parsing the way gorestic-homelab's cmd package does.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgtemp/pgtemp/metadata"
	"github.com/pgtemp/pgtemp/pgcluster"
	"github.com/pgtemp/pgtemp/pgtemplogger"
	"github.com/pgtemp/pgtemp/proxy"
)

// cliError carries the exit code spec.md §6 assigns to each failure class:
// 1 for startup errors (bind failure, initdb not found), 2 for invalid
// arguments.
type cliError struct {
	err      error
	exitCode int
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

var (
	single           bool
	persist          bool
	dropOnSessionEnd bool
	configOptions    []string
	loadPath         string
	dataDirPrefix    string
)

var rootCmd = &cobra.Command{
	Use:     "pgtemp <uri>",
	Short:   "Proxy client connections to freshly synthesized PostgreSQL clusters",
	Version: metadata.GetGitCommit(),
	Long: `pgtemp listens on the host and port named by <uri> and, for each accepted
client connection, produces a backing PostgreSQL cluster behind a
transparent byte proxy: one fresh cluster per connection by default, or one
shared cluster with a fresh database per connection when run with --single.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runDaemon,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolVar(&single, "single", false,
		"serve every connection from one shared backing cluster instead of one cluster per connection")
	rootCmd.Flags().BoolVar(&persist, "persist", false,
		"retain data directories on shutdown for post-mortem inspection")
	rootCmd.Flags().BoolVar(&dropOnSessionEnd, "drop-on-session-end", false,
		"in --single mode, DROP DATABASE the per-session database when its connection ends")
	rootCmd.Flags().StringArrayVarP(&configOptions, "option", "o", nil,
		"server configuration override key=value, forwarded into each backing cluster's postgresql.conf (repeatable)")
	rootCmd.Flags().StringVar(&loadPath, "load", "",
		"dump file to load into each backing cluster's database after boot (normal mode only; --single does not load it)")
	rootCmd.Flags().StringVar(&dataDirPrefix, "data-dir-prefix", "",
		"parent directory under which backing clusters' temp data directories are created")
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &cliError{exitCode: 2, err: err}
	})
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var ce *cliError
	if errors.As(err, &ce) {
		fmt.Fprintln(os.Stderr, "pgtemp:", ce.Error())
		return ce.exitCode
	}

	fmt.Fprintln(os.Stderr, "pgtemp:", err)
	return 1
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return &cliError{exitCode: 2, err: fmt.Errorf("expected exactly one positional URI argument, got %d", len(args))}
	}

	tpl, err := proxy.ParseTemplate(args[0])
	if err != nil {
		return &cliError{exitCode: 2, err: err}
	}

	params, err := parseConfigOptions(configOptions)
	if err != nil {
		return &cliError{exitCode: 2, err: err}
	}

	mode := proxy.ModeNormal
	if single {
		mode = proxy.ModeSingle
	}

	d := proxy.New(proxy.Config{
		Template:         tpl,
		Mode:             mode,
		Persist:          persist,
		ConfigParams:     params,
		LoadPath:         loadPath,
		DataDirPrefix:    dataDirPrefix,
		DropOnSessionEnd: dropOnSessionEnd,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		pgtemplogger.Infof("pgtemp: received %s, shutting down", sig)
		cancel()
	}()

	pgtemplogger.Infof("pgtemp %s starting, mode=%s", metadata.GetGitCommit(), mode)

	defer pgtemplogger.Close()

	if err := d.ListenAndServe(ctx); err != nil {
		return &cliError{exitCode: 1, err: err}
	}

	pgtemplogger.Infof("pgtemp: clean shutdown complete")
	return nil
}

func parseConfigOptions(raw []string) ([]pgcluster.ConfigParam, error) {
	out := make([]pgcluster.ConfigParam, 0, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid -o value %q: expected key=value", kv)
		}
		out = append(out, pgcluster.ConfigParam{Key: key, Value: value})
	}
	return out, nil
}
