package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"example.com/availmon/internal/manager"
	"example.com/availmon/pkg/version"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	opts := zap.Options{
		Development: true,
	}

	root := &cobra.Command{
		Use:           "availmon",
		Short:         "Availability analytics over up/down status samples.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config-path", "/etc/availmon/config.json", "The location of the config file.")

	goFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.BindFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run passes on an interval and serve the report API.",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := manager.LoadConfig(configPath)
				if err != nil {
					setupLog.Error(err, "unable to load config")
					return err
				}
				manager.MustRun(ctrl.SetupSignalHandler(), cfg, manager.Deps{})
				return nil
			},
		},
		newComputeCommand(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version.",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.String())
			},
		},
	)
	return root
}

func newComputeCommand(configPath *string) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Run a single pass and print the report.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := manager.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			report, err := manager.RunOnce(cmd.Context(), cfg, manager.Deps{}, verify)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Also check set-based segmentation against the iterative builder.")
	return cmd
}
