package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/urizennnn/portfolio-feed/cache"
	"github.com/urizennnn/portfolio-feed/config"
	"github.com/urizennnn/portfolio-feed/github"
	"github.com/urizennnn/portfolio-feed/queue"
	"github.com/urizennnn/portfolio-feed/quota"
	"github.com/urizennnn/portfolio-feed/ratelimit"
	"github.com/urizennnn/portfolio-feed/redis"
)

const quotaPrefix = "gh_quota_"

// app owns every long-lived component. It is built once per process.
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	rdb     *goredis.Client
	backend cache.Backend
	store   *cache.Store
	quota   *quota.Tracker
	sched   *queue.Scheduler
	svc     *github.Service
	reg     *prometheus.Registry
}

func newLogger(level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)
	return l, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewLoader("APP").Load()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, reg: newMetricsReg()}

	switch cfg.CacheBackend {
	case "redis":
		a.rdb, err = redis.ConnectToRedisURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.backend = cache.NewRedisBackend(a.rdb)
	default:
		a.backend, err = cache.NewMemoryBackend(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
	}

	a.store, err = cache.New(cache.Opts{
		Backend:   a.backend,
		Namespace: cfg.CacheNamespace,
		Logger:    log.WithField("component", "cache"),
	})
	if err != nil {
		return nil, err
	}

	a.quota, err = quota.New(quota.Opts{
		Backend:   a.backend,
		KeyPrefix: quotaPrefix,
		HighWater: cfg.QuotaHighWater,
		Window:    cfg.QuotaWindow,
		Logger:    log.WithField("component", "quota"),
	})
	if err != nil {
		return nil, err
	}
	a.quota.Init()

	httpClient, err := github.NewHTTPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var pacer ratelimit.Pacer = ratelimit.Constant{Delay: cfg.PaceDelay}
	if cfg.PaceRate > 0 {
		pacer = ratelimit.Chain{pacer, ratelimit.New(cfg.PaceRate, cfg.Concurrency)}
	}

	a.sched, err = queue.New(queue.Opts{
		Fetcher:        &queue.HTTPFetcher{Client: httpClient, UserAgent: "portfolio-feed/" + cfg.Username},
		Cache:          a.store,
		Quota:          a.quota,
		Concurrency:    cfg.Concurrency,
		Pacer:          pacer,
		DefaultTTL:     cfg.CacheDuration,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        queue.NewMetrics(prometheus.WrapRegistererWithPrefix("portfolio_", a.reg)),
		Logger:         log.WithField("component", "queue"),
	})
	if err != nil {
		return nil, err
	}

	a.svc = github.NewService(a.sched, github.Opts{
		Username:      cfg.Username,
		APIBaseURL:    cfg.APIBaseURL,
		CalendarURL:   cfg.CalendarEndpoint(),
		Rewrite:       cfg.ProxyRewrite,
		PageSize:      cfg.PageSize,
		MaxPages:      cfg.MaxPages,
		InitialBatch:  cfg.InitialBatch,
		ActivityLimit: cfg.ActivityLimit,
		SkipForks:     cfg.SkipForks,
		TTL: github.TTLs{
			Repos:   cfg.CacheDuration,
			Profile: cfg.CacheDuration,
		},
		Logger: log.WithField("component", "github"),
	})
	return a, nil
}

func (a *app) Close() {
	if a.sched != nil {
		_ = a.sched.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
