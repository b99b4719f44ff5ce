package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	common "github.com/go-i2p/common/data"
	"github.com/go-i2p/logger"
	"github.com/go-i2p/tunnelbuild/lib/config"
	"github.com/go-i2p/tunnelbuild/lib/netsim"
	"github.com/go-i2p/tunnelbuild/lib/tunnel"
	"github.com/go-i2p/tunnelbuild/lib/util/signals"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type simulateOptions struct {
	routers     int
	clients     int
	duration    time.Duration
	latency     time.Duration
	linkRate    float64
	metricsAddr string
	ntpServers  []string
}

func newSimulateCommand() *cobra.Command {
	var opts simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the subsystem on an in-memory network",
		Example: `  # eight routers for half a minute, 3-hop tunnels
  tunnelbuild simulate --routers 8 --length 3 --duration 30s

  # legacy records, metrics of the first router on :9100
  tunnelbuild simulate --format legacy --metrics :9100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.routers, "routers", "n", 8, "number of routers")
	f.IntVar(&opts.clients, "clients", 1, "client pool pairs on the first router")
	f.DurationVarP(&opts.duration, "duration", "d", 20*time.Second, "how long to run")
	f.DurationVar(&opts.latency, "latency", 10*time.Millisecond, "delay of every hop-to-hop delivery")
	f.Float64Var(&opts.linkRate, "link-rate", 0, "messages per second each router may send, 0 for unlimited")
	f.StringVar(&opts.metricsAddr, "metrics", "", "serve the first router's metrics on this address")
	f.StringSliceVar(&opts.ntpServers, "ntp", nil, "NTP servers to set the routers' clocks from")
	return cmd
}

func clientHash(i int) common.Hash {
	return common.Hash(sha256.Sum256([]byte(fmt.Sprintf("netsim-client-%d", i))))
}

func runSimulation(ctx context.Context, out io.Writer, opts simulateOptions) error {
	cfg := config.CurrentConfig()
	if err := config.Validate(cfg); err != nil {
		return oops.Wrapf(err, "invalid configuration")
	}

	net, err := netsim.New(netsim.Options{
		Routers:  opts.routers,
		Config:   cfg,
		Latency:  opts.latency,
		LinkRate: opts.linkRate,
	})
	if err != nil {
		return err
	}
	defer net.Close()

	if len(opts.ntpServers) > 0 {
		if _, err := net.SyncClocks(opts.ntpServers, 5*time.Second, nil); err != nil {
			log.WithError(err).Warn("running with unsynchronized clocks")
		}
	}

	run, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	origin := net.Node(0)
	sigs := signals.New()
	defer sigs.Stop()
	sigs.OnReload(reloadConfig)
	sigs.BeforeShutdown(func() {
		for i := 0; i < opts.clients; i++ {
			origin.Sub.RemoveClient(clientHash(i))
		}
	})
	sigs.OnInterrupt(signals.Handler(cancel))
	go sigs.Run(run)

	if err := net.Start(ctx); err != nil {
		return err
	}
	for i := 0; i < opts.clients; i++ {
		if err := origin.Sub.AddClient(clientHash(i)); err != nil {
			return oops.Wrapf(err, "adding client %d", i)
		}
	}

	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(origin.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).WithField("addr", opts.metricsAddr).Error("metrics server failed")
			}
		}()
		defer srv.Close()
	}

	log.WithFields(logger.Fields{
		"at":       "runSimulation",
		"routers":  opts.routers,
		"clients":  opts.clients,
		"duration": opts.duration,
		"format":   cfg.Pool.Format,
	}).Info("simulation started")
	<-run.Done()

	return report(out, net)
}

func reloadConfig() {
	if err := viper.ReadInConfig(); err != nil {
		log.WithError(err).Warn("could not reload configuration")
		return
	}
	if err := config.Validate(config.CurrentConfig()); err != nil {
		log.WithError(err).Warn("reloaded configuration is invalid")
		return
	}
	log.WithField("file", viper.ConfigFileUsed()).Info("configuration reloaded, applies to the next simulation")
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginTop(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func report(out io.Writer, net *netsim.Network) error {
	routers := newTable("ROUTER", "CAPS", "ESTABLISHED", "CIRCUITS", "TRANSIT", "DISPATCHED", "SUCCEEDED", "REJECTED", "TIMED OUT")
	for _, n := range net.Nodes() {
		routers.Row(
			n.String(),
			n.Sub.Caps(),
			fmt.Sprint(n.Established()),
			fmt.Sprint(n.Sub.Dispatcher().CircuitCount()),
			fmt.Sprint(n.Sub.Dispatcher().ParticipatingCount()),
			fmt.Sprintf("%.0f", n.Metric("builds_dispatched")),
			fmt.Sprintf("%.0f", n.Metric("builds_succeeded")),
			fmt.Sprintf("%.0f", n.Metric("builds_rejected")),
			fmt.Sprintf("%.0f", n.Metric("builds_timed_out")),
		)
	}

	pools := newTable("POOL", "ACTIVE", "BUILDING", "BUILDS", "FAILURES", "SUCCESS RATE")
	for _, inv := range net.Node(0).Sub.Inventory() {
		s := inv.Stats
		pools.Row(inv.Name,
			fmt.Sprint(s.Active),
			fmt.Sprint(s.Building),
			fmt.Sprint(s.Builds),
			fmt.Sprint(s.Failures),
			fmt.Sprintf("%.2f", s.SuccessRate),
		)
	}

	sections := []string{
		titleStyle.Render("Routers"), routers.String(),
		titleStyle.Render("Pools of " + net.Node(0).String()), pools.String(),
	}
	if leases, ok := net.Leases().Leases(clientHash(0)); ok {
		lt := newTable("TUNNEL", "GATEWAY")
		for _, l := range leases {
			lt.Row(fmt.Sprint(l.TunnelID()), tunnel.ShortHash(l.TunnelGateway()))
		}
		sections = append(sections, titleStyle.Render("Published leases"), lt.String())
	}
	_, err := fmt.Fprintln(out, lipgloss.JoinVertical(lipgloss.Left, sections...))
	return err
}
