package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cheatron/nthread/hijack"
	"github.com/cheatron/nthread/internal/config"
	"github.com/cheatron/nthread/internal/winapi"
	"github.com/cheatron/nthread/telemetry"
)

var (
	logLevel  string
	logFormat string
)

// newRootCmd builds the cobra command tree. Flag/level wiring mirrors
// dockerd's own --log-level plumbing into logrus.SetLevel.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nthreadctl",
		Short: "Attach to and drive a hijacked Windows thread",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			if logFormat == "json" {
				logrus.SetFormatter(&logrus.JSONFormatter{})
			} else {
				logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			}
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")

	root.AddCommand(newInjectCmd())
	root.AddCommand(newGadgetsCmd())
	root.AddCommand(newHeapCmd())
	return root
}

// newOrchestrator wires a hijack.Orchestrator against the real OS/CRT
// bindings, scoped to pid (0 means "any process", matching
// NThread(processId?) in spec.md §6).
func newOrchestrator(pid uint32) *hijack.Orchestrator {
	m, ns := telemetry.New("nthread")
	_ = ns // registered but not exported over HTTP by the CLI; a daemon embedding this module would serve ns.

	scanner := winapi.NewModuleScanner(pid)
	asm := winapi.NewAssembler()
	opener := winapi.NewThreadOpener()
	procMem := winapi.NewProcessMemory()

	opts := []hijack.Option{
		hijack.WithConfig(config.FromEnvironment()),
		hijack.WithMetrics(m),
	}
	if pid != 0 {
		opts = append(opts, hijack.WithProcessID(pid))
	}
	return hijack.New(scanner, asm, opener, procMem, opts...)
}
