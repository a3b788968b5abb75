package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/urizennnn/portfolio-feed/cache"
	"github.com/urizennnn/portfolio-feed/github"
	"github.com/urizennnn/portfolio-feed/redis"
)

var rootCmd = &cobra.Command{
	Use:           "portfolio-feed",
	Short:         "Fetch and cache the GitHub data behind a portfolio page.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(
		newDatasetCmd("activity", "Print recent public events."),
		newDatasetCmd("stats", "Print aggregated profile statistics."),
		newDatasetCmd("calendar", "Print the contribution calendar."),
		newReposCmd(),
		newClearCacheCmd(),
		newQuotaCmd(),
		newWarmCmd(),
	)
}

// run builds the app, hands it to fn and tears it down afterwards.
func run(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// userError logs err and replaces it with the message shown to visitors.
// An empty result is not a failure.
func (a *app) userError(dataset string, err error) error {
	if err == nil {
		return nil
	}
	msg := github.UserMessage(err)
	if errors.Is(err, github.ErrEmpty) {
		fmt.Fprintln(os.Stdout, msg)
		return nil
	}
	a.log.WithError(err).WithField("dataset", dataset).Error("fetch failed")
	return errors.New(msg)
}

// fetchDataset runs one orchestrator by name and returns its JSON-ready result.
func (a *app) fetchDataset(ctx context.Context, name string) (any, error) {
	switch name {
	case "activity":
		return a.svc.Activity(ctx)
	case "stats":
		return a.svc.Stats(ctx)
	case "calendar":
		return a.svc.Calendar(ctx), nil
	case "repos":
		l, err := a.svc.Repos(ctx, nil)
		if err != nil {
			return nil, err
		}
		select {
		case <-l.Done():
			return l.Wait(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		return nil, fmt.Errorf("unknown dataset %q", name)
	}
}

func newDatasetCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				v, err := a.fetchDataset(ctx, name)
				if err != nil {
					return a.userError(name, err)
				}
				return writeJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func newReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "Print owned repositories, streaming language details as they arrive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				sink := newStreamSink(cmd.OutOrStdout())
				l, err := a.svc.Repos(ctx, sink)
				if err != nil {
					return a.userError("repos", err)
				}
				select {
				case <-l.Done():
				case <-ctx.Done():
					return ctx.Err()
				}
				return sink.Err()
			})
		},
	}
}

func newClearCacheCmd() *cobra.Command {
	var withQuota bool
	c := &cobra.Command{
		Use:   "clear-cache",
		Short: "Delete every cached response in the configured namespace.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				n := a.clearCache(withQuota)
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	}
	c.Flags().BoolVar(&withQuota, "quota", false, "also reset the local quota counter")
	return c
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show the local request count for the current window.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				count, start := a.quota.Snapshot()
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"count":       count,
					"highWater":   a.quota.HighWater(),
					"windowStart": start.UTC().Format(time.RFC3339),
					"throttled":   a.quota.ShouldThrottle(),
				})
			})
		},
	}
}

func newWarmCmd() *cobra.Command {
	var (
		publish     []string
		metricsAddr string
	)
	c := &cobra.Command{
		Use:   "warm",
		Short: "Consume warm requests from a Redis stream and refresh the named data sets.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(func(ctx context.Context, a *app) error {
				if a.rdb == nil {
					return errors.New("warm requires APP_CACHE_BACKEND=redis")
				}
				if len(publish) > 0 {
					for _, ds := range publish {
						if err := redis.PublishWarm(ctx, a.rdb, a.cfg.WarmStream, ds); err != nil {
							return fmt.Errorf("publish %s: %w", ds, err)
						}
					}
					return nil
				}

				if err := redis.EnsureGroup(ctx, a.rdb, a.cfg.WarmStream, a.cfg.WarmGroup); err != nil {
					return fmt.Errorf("consumer group: %w", err)
				}
				if metricsAddr != "" {
					go a.serveMetrics(ctx, metricsAddr)
				}

				host, _ := os.Hostname()
				consumer := fmt.Sprintf("%s-%d", host, os.Getpid())
				a.log.WithField("consumer", consumer).Info("warmer started")

				err := redis.WatchStreams(ctx, a.rdb, a.cfg.WarmStream, a.cfg.WarmGroup, consumer, a.warm)
				if errors.Is(err, context.Canceled) {
					a.log.Info("warmer stopped")
					return nil
				}
				return err
			})
		},
	}
	c.Flags().StringSliceVar(&publish, "publish", nil, "queue warm requests for these data sets ("+datasetNames()+", all) and exit")
	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return c
}

var allDatasets = []string{"activity", "repos", "stats", "calendar"}

// clearTokens lists the key tokens clear-cache removes.
func clearTokens(namespace string, withQuota bool) []string {
	tokens := []string{namespace}
	if withQuota {
		tokens = append(tokens, quotaPrefix)
	}
	return tokens
}

// clearCache deletes cached responses, and the quota counter when withQuota
// is set, then starts a fresh quota window.
func (a *app) clearCache(withQuota bool) int {
	n := a.store.ClearNamespace(cache.MatchTokens(clearTokens(a.store.Namespace(), withQuota)...))
	if withQuota {
		a.quota.Init()
	}
	return n
}

// warmDatasets expands a requested data set name. "all" or an empty name
// means every data set.
func warmDatasets(name string) []string {
	if name == "all" || name == "" {
		return allDatasets
	}
	return []string{name}
}

// warm refreshes data sets. Results land in the cache as a side effect of
// passing through the scheduler.
func (a *app) warm(ctx context.Context, msg redis.WarmMessage) error {
	for _, ds := range warmDatasets(msg.Dataset) {
		if _, err := a.fetchDataset(ctx, ds); err != nil && !errors.Is(err, github.ErrEmpty) {
			return fmt.Errorf("%s: %w", ds, err)
		}
		a.log.WithFields(logrus.Fields{
			"dataset": ds,
			"pending": a.sched.Pending(),
		}).Info("warmed")
	}
	return nil
}

func (a *app) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.WithField("addr", addr).Info("metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.WithError(err).Warn("metrics server failed")
	}
}

func datasetNames() string {
	return strings.Join(allDatasets, ", ")
}
