package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ratelimd/ratelimd/ingress"
	"github.com/ratelimd/ratelimd/limiter"
	"github.com/ratelimd/ratelimd/stats"
	"github.com/ratelimd/ratelimd/types"
)

var (
	rootCmd = &cobra.Command{
		Use:   "ratelimd",
		Short: "A per-source ingress rate limiter.",
		Long: "Enforces a per-source-IPv4 token bucket on an interface's " +
			"inbound traffic and reports every dropped packet.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Get the built version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("built commit: %s\n", builtCommit)
		},
	}

	confFilePathFlag string
	logLevelFlag     string
	logTimeFlag      bool

	ifaceFlag   string
	rateFlag    int
	burstFlag   int
	verboseFlag bool

	builtCommit = "dev"
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confFilePathFlag, "conf", "", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "logging level: one of trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logTimeFlag, "log-time", false, "whether to include timestamps in log lines")

	rootCmd.Flags().StringVarP(&ifaceFlag, "iface", "i", types.DefaultInterface, "interface to attach to")
	rootCmd.Flags().IntVarP(&rateFlag, "rate", "r", types.DefaultRatePPS, "sustained per-source rate in packets per second")
	rootCmd.Flags().IntVarP(&burstFlag, "burst", "b", types.DefaultBurst, "per-source burst capacity in packets")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "print an attachment confirmation")

	// Disable completion please!
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	if verboseFlag && !cmd.Flags().Changed("log-level") {
		logLevelFlag = "debug"
	}
	setupLogging()

	conf := &Config{}
	if confFilePathFlag != "" {
		var err error
		conf, err = ReadConf(confFilePathFlag)
		if err != nil {
			return fmt.Errorf("%w: %v", ingress.ErrConfig, err)
		}
		slog.Debug("parsed the configuration", "conf", conf)
	}

	iconf := ingress.DefaultConfig
	if conf.Ingress != nil {
		iconf = *conf.Ingress
	}
	if cmd.Flags().Changed("iface") || conf.Ingress == nil {
		iconf.Interface = ifaceFlag
	}
	if cmd.Flags().Changed("verbose") {
		iconf.Verbose = verboseFlag
	}

	lconf := limiter.DefaultConfig
	if conf.Limiter != nil {
		lconf = *conf.Limiter
	}
	if cmd.Flags().Changed("rate") || conf.Limiter == nil {
		lconf.RatePPS = rateFlag
	}
	if cmd.Flags().Changed("burst") || conf.Limiter == nil {
		lconf.Burst = burstFlag
	}

	h, err := ingress.Open(&iconf)
	if err != nil {
		return err
	}

	if err := h.Configure(lconf.RatePPS, lconf.Burst); err != nil {
		return err
	}
	if err := h.Load(); err != nil {
		cleanup(h)
		return err
	}
	if err := h.Attach(); err != nil {
		cleanup(h)
		return err
	}

	if conf.Stats != nil {
		b, err := stats.NewBackend(conf.Stats, h)
		if err != nil {
			cleanup(h)
			return fmt.Errorf("%w: %v", ingress.ErrConfig, err)
		}
		if err := b.Init(); err != nil {
			cleanup(h)
			return fmt.Errorf("%w: %v", ingress.ErrLoad, err)
		}
		defer func() {
			if err := b.Cleanup(); err != nil {
				slog.Error("error cleaning up the stats backend", "err", err)
			}
		}()
	}

	fmt.Printf("Rate limiter started on %s: %d pps per source IP, burst %d\n",
		iconf.Interface, lconf.RatePPS, lconf.Burst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	err = h.Run(ctx)

	cleanup(h)
	return err
}

func cleanup(h *ingress.Handler) {
	if err := h.Cleanup(); err != nil {
		slog.Error("error cleaning up", "err", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(ingress.ExitCode(err))
	}
}
