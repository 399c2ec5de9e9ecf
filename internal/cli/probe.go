package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/netresearch/ldappool"
)

type probeOptions struct {
	server     string
	bindDN     string
	mechanism  string
	startTLS   bool
	workers    int
	iterations int
	interval   time.Duration
	metrics    string
	hold       time.Duration
}

// ProbeCommand runs concurrent root DSE searches through one Manager and
// prints the pool statistics afterwards.
func ProbeCommand(managerOpts ...ldappool.Option) *cobra.Command {
	var o probeOptions

	// the password is read from LDAPPOOL_PASSWORD when the flag is not set
	v := viper.New()
	v.SetEnvPrefix(ldappool.EnvPrefix)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Search the root DSE from concurrent workers through the pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.workers < 1 || o.iterations < 1 {
				return errors.New("--workers and --iterations must be at least 1")
			}
			id := ldappool.Identity{
				Server:    o.server,
				Mechanism: ldappool.AuthMechanism(o.mechanism),
				BindDN:    o.bindDN,
				Password:  v.GetString("password"),
				StartTLS:  o.startTLS,
			}
			return runProbe(cmd, id, o, managerOpts)
		},
	}

	cmd.Flags().StringVar(&o.server, "server", "ldap://localhost:389", "LDAP server URL")
	cmd.Flags().StringVar(&o.bindDN, "bind-dn", "", "Bind DN, empty for anonymous")
	cmd.Flags().String("password", "", "Bind password (env "+ldappool.EnvPrefix+"_PASSWORD)")
	cmd.Flags().StringVar(&o.mechanism, "mechanism", "", "Authentication mechanism: none, simple or external")
	cmd.Flags().BoolVar(&o.startTLS, "starttls", false, "Upgrade ldap:// connections with StartTLS")
	cmd.Flags().IntVar(&o.workers, "workers", 4, "Number of concurrent workers")
	cmd.Flags().IntVar(&o.iterations, "iterations", 10, "Searches per worker")
	cmd.Flags().DurationVar(&o.interval, "interval", 0, "Pause between searches of one worker")
	cmd.Flags().StringVar(&o.metrics, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().DurationVar(&o.hold, "hold", 0, "Keep the pool and metrics endpoint up this long after the run")

	_ = v.BindPFlag("password", cmd.Flags().Lookup("password"))
	_ = v.BindEnv("password")
	return cmd
}

func runProbe(cmd *cobra.Command, id ldappool.Identity, o probeOptions, managerOpts []ldappool.Option) error {
	logger := GetLogger(cmd)
	opts := append([]ldappool.Option{ldappool.WithLogger(logger)}, managerOpts...)

	m, err := ldappool.NewManager(GetPoolConfig(cmd), opts...)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if o.metrics != "" {
		stop, err := serveMetrics(m, o.metrics, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx := cmd.Context()
	var ok, failed atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := range o.workers {
		g.Go(func() error {
			for i := range o.iterations {
				if err := probeOnce(gctx, m, id); err != nil {
					failed.Add(1)
					logger.Warn("probe_failed",
						slog.Int("worker", w),
						slog.Int("iteration", i),
						slog.String("error", err.Error()))
					if errors.Is(err, ldappool.ErrPoolClosed) || gctx.Err() != nil {
						return err
					}
				} else {
					ok.Add(1)
				}
				if o.interval > 0 {
					select {
					case <-time.After(o.interval):
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}
	runErr := g.Wait()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "probe: %d ok, %d failed in %s\n", ok.Load(), failed.Load(), time.Since(start).Round(time.Millisecond))
	if err := m.WriteStats(out); err != nil {
		return err
	}

	if o.hold > 0 {
		select {
		case <-time.After(o.hold):
		case <-ctx.Done():
		}
	}

	if runErr != nil {
		return runErr
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d probes failed", n, n+ok.Load())
	}
	return nil
}

// probeOnce borrows a connection, reads the root DSE and gives it back. A
// connection that failed the search is discarded instead of released.
func probeOnce(ctx context.Context, m *ldappool.Manager, id ldappool.Identity) error {
	conn, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = conn.Search(ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"namingContexts", "supportedLDAPVersion"}, nil))
	if err != nil {
		_ = conn.Discard()
		return ldappool.WrapLDAPError("Search", id.Server, err)
	}
	return conn.Close()
}

func serveMetrics(m *ldappool.Manager, addr string, logger *slog.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(ldappool.NewCollector(m, nil)); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics_server_started", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
