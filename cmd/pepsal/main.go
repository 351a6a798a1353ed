package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ccxtechnologies/pepsal/internal/config"
	"github.com/ccxtechnologies/pepsal/internal/daemonize"
	"github.com/ccxtechnologies/pepsal/internal/engine"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "pepsal",
	Short: "Transparent TCP performance-enhancing proxy",
	Long: `pepsal is a transparent TCP performance-enhancing proxy (PEP) for
satellite and other high-latency links: it splits a client-to-origin TCP
connection at the gateway into two locally-terminated legs so each leg's
congestion control reacts to a single hop's characteristics instead of the
full end-to-end path.

Deployment requires a packet classifier (e.g. an iptables TPROXY rule)
that redirects transit traffic to pepsal's listening port.`,
	// "-v" is already taken by verbose logging (spec §6), so the version
	// flag below is registered as "-V" instead of cobra's usual "-v".
	Version: func() string {
		if len(version) > 0 && unicode.IsDigit(rune(version[0])) {
			return "v" + version
		}
		return version
	}(),
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.SilenceErrors = true

	flags := rootCmd.Flags()
	flags.BoolP("daemonize", "d", false, "detach and run in the background")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.BoolP("fast-open", "f", false, "enable TCP Fast Open on listener and outbound sockets")
	flags.Uint16P("port", "p", 5000, "listening port")
	flags.IntP("mtu", "u", 1500, "ingress MTU used to derive the MSS clamp (must exceed 80)")
	flags.Uint32P("egress-mark", "m", 0, "firewall mark applied to outbound sockets")
	flags.Uint32P("ingress-mark", "n", 0, "firewall mark applied to the listening socket")
	flags.StringP("egress-congestion", "a", "", "congestion-control algorithm for outbound sockets")
	flags.StringP("ingress-congestion", "b", "", "congestion-control algorithm for the listening socket")
	flags.StringP("status-dump", "l", "stdout", `status-dump destination ("stdout", "stderr", or a file path)`)
	flags.IntP("pending-lifetime", "t", 60, "seconds a PENDING connection may sit idle before GC destroys it")
	flags.IntP("gc-interval", "g", 60, "seconds between garbage-collection sweeps")
	flags.IntP("max-connections", "c", 2048, "maximum concurrent connections")
	flags.IntP("workers", "w", 5, "number of splice worker goroutines")

	// Capital -V for version (lowercase -v is already verbose logging,
	// spec §6); cobra only adds its own --version flag when one isn't
	// already registered.
	flags.BoolP("version", "V", false, "print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, color.RedString("ERROR: %s", err))
		os.Exit(1)
	}
}

// configFromFlags translates cobra's parsed flags into a validated
// internal/config.Config (spec §6's CLI surface).
func configFromFlags(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	flags := cmd.Flags()

	cfg.Daemonize, _ = flags.GetBool("daemonize")
	cfg.Verbose, _ = flags.GetBool("verbose")
	cfg.FastOpen, _ = flags.GetBool("fast-open")

	port, _ := flags.GetUint16("port")
	cfg.Port = port

	cfg.MTU, _ = flags.GetInt("mtu")
	cfg.EgressMark, _ = flags.GetUint32("egress-mark")
	cfg.IngressMark, _ = flags.GetUint32("ingress-mark")
	cfg.EgressCongestionAlgo, _ = flags.GetString("egress-congestion")
	cfg.IngressCongestionAlgo, _ = flags.GetString("ingress-congestion")
	cfg.StatusDumpPath, _ = flags.GetString("status-dump")

	lifetimeSec, _ := flags.GetInt("pending-lifetime")
	cfg.PendingLifetime = time.Duration(lifetimeSec) * time.Second

	gcIntervalSec, _ := flags.GetInt("gc-interval")
	cfg.GCInterval = time.Duration(gcIntervalSec) * time.Second

	cfg.MaxConnections, _ = flags.GetInt("max-connections")
	cfg.WorkerCount, _ = flags.GetInt("workers")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return err
	}

	if cfg.Daemonize {
		if err := daemonize.Daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}

	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("pepsal: %w", err)
	}

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("pepsal: %w", err)
	}
	return nil
}
