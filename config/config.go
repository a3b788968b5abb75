package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

func NewLoader(prefix string) *Loader {
	v := validator.New()
	return &Loader{Prefix: prefix, Validate: v}
}

func (l *Loader) Load() (Config, error) {
	var cfg Config

	if err := loadDotEnv(); err != nil {
		logrus.Debugf("dotenv: %v", err)
	}
	if err := envconfig.Process(l.Prefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env load: %w", err)
	}

	if err := l.Validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"env":          cfg.Env,
		"logLevel":     cfg.LogLevel,
		"username":     cfg.Username,
		"cacheBackend": cfg.CacheBackend,
		"token_set":    cfg.GithubToken != "",
		"proxy_set":    cfg.ProxyURL != "",
	}).Debug("config loaded")

	return cfg, nil
}

// ProxyRewrite routes target through ProxyURL. A "{url}" placeholder in the
// template receives the escaped target; otherwise the escaped target is appended.
func (c Config) ProxyRewrite(target string) string {
	if c.ProxyURL == "" {
		return target
	}
	escaped := url.QueryEscape(target)
	if strings.Contains(c.ProxyURL, "{url}") {
		return strings.ReplaceAll(c.ProxyURL, "{url}", escaped)
	}
	return c.ProxyURL + escaped
}

// CalendarEndpoint expands the {user} placeholder of CalendarURL.
func (c Config) CalendarEndpoint() string {
	return strings.ReplaceAll(c.CalendarURL, "{user}", url.PathEscape(c.Username))
}

func (c Config) UsesGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubPrivateKey != "" && c.GithubInstallationID != 0
}

func loadDotEnv() error {
	files := []string{".env"}

	if appEnv := strings.TrimSpace(os.Getenv("APP_ENV")); appEnv != "" {
		files = append(files, ".env."+appEnv)
	}
	if goEnv := strings.TrimSpace(os.Getenv("GO_ENV")); goEnv != "" && goEnv != os.Getenv("APP_ENV") {
		files = append(files, ".env."+goEnv)
	}

	var loadedAny bool
	for _, f := range files {
		if fileExists(f) {
			if err := godotenv.Overload(f); err != nil {
				logrus.Warnf("dotenv: failed loading %s: %v", f, err)
				continue
			}
			loadedAny = true
		}
	}

	if !loadedAny {
		return fmt.Errorf("no .env files found (looked for: %s)", strings.Join(files, ", "))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
