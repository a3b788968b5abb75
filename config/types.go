package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	// App
	Env      string `split_words:"true" default:"prod" validate:"oneof=dev staging prod"`
	LogLevel string `split_words:"true" default:"info" validate:"oneof=debug info warn error"`

	// Profile
	Username string `validate:"required"`

	// GitHub
	GithubToken          string `envconfig:"APP_GITHUB_TOKEN"`
	GithubAppClientID    string `split_words:"true"`
	GithubPrivateKey     string `envconfig:"APP_GITHUB_PRIVATE_KEY"`
	GithubInstallationID int64  `split_words:"true"`
	APIBaseURL           string `envconfig:"API_BASE_URL" default:"https://api.github.com" validate:"url"`
	CalendarURL          string `split_words:"true" default:"https://github-contributions-api.jogruber.de/v4/{user}?y=last"`
	ProxyURL             string `split_words:"true"`

	// Cache
	CacheDuration  time.Duration `split_words:"true" default:"1h" validate:"gt=0"`
	CacheBackend   string        `split_words:"true" default:"memory" validate:"oneof=memory redis"`
	CacheSize      int           `split_words:"true" default:"1000" validate:"gt=0"`
	CacheNamespace string        `split_words:"true" default:"gh_cache_" validate:"required"`

	// Redis
	RedisURL   string `split_words:"true" validate:"required_if=CacheBackend redis"`
	WarmStream string `split_words:"true" default:"portfolio:warm"`
	WarmGroup  string `split_words:"true" default:"warmers"`

	// Scheduler tuning
	Concurrency    int           `split_words:"true" default:"2" validate:"min=1,max=3"`
	PaceDelay      time.Duration `split_words:"true" default:"750ms" validate:"gte=0"`
	PaceRate       float64       `split_words:"true" default:"0" validate:"gte=0"`
	QuotaHighWater int           `split_words:"true" default:"4900" validate:"gt=0"`
	QuotaWindow    time.Duration `split_words:"true" default:"1h" validate:"gt=0"`
	RequestTimeout time.Duration `split_words:"true" default:"30s" validate:"gte=0"`

	// Orchestrators
	PageSize      int  `split_words:"true" default:"100" validate:"min=1,max=100"`
	MaxPages      int  `split_words:"true" default:"10" validate:"gt=0"`
	InitialBatch  int  `split_words:"true" default:"6" validate:"gte=0"`
	ActivityLimit int  `split_words:"true" default:"30" validate:"gt=0"`
	SkipForks     bool `split_words:"true" default:"true"`
}

type Loader struct {
	Prefix   string
	Validate *validator.Validate
}
