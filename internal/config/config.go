package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds every deployment setting. It is built once at start and
// passed to each component constructor.
type Config struct {
	// Addr is the listen address of the admin endpoint.
	Addr string `yaml:"addr" env:"SITEPOST_ADDR" env-default:":8787"`

	// SiteBaseURL is the public URL of the static site, used for permalinks.
	SiteBaseURL string `yaml:"site_base_url" env:"SITE_BASE_URL"`
	AdminOrigin string `yaml:"admin_origin" env:"ADMIN_ORIGIN"`
	PostsDir    string `yaml:"posts_dir" env:"POSTS_DIR" env-default:"posts"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES" env-default:"26214400"`

	GitHub   GitHub   `yaml:"github"`
	Access   Access   `yaml:"access"`
	Bluesky  Bluesky  `yaml:"bluesky"`
	Mastodon Mastodon `yaml:"mastodon"`
	X        X        `yaml:"x"`
}

// GitHub configures the content repository.
type GitHub struct {
	Owner      string `yaml:"owner" env:"GITHUB_OWNER"`
	Repo       string `yaml:"repo" env:"GITHUB_REPO"`
	Token      string `yaml:"token" env:"GITHUB_TOKEN"`
	Branch     string `yaml:"branch" env:"GITHUB_BRANCH" env-default:"main"`
	UserAgent  string `yaml:"user_agent" env:"GITHUB_USER_AGENT" env-default:"sitepost"`
	APIVersion string `yaml:"api_version" env:"GITHUB_API_VERSION" env-default:"2022-11-28"`
	APIURL     string `yaml:"api_url" env:"GITHUB_API_URL"`
}

// Access configures the identity-proxy assertion checks.
type Access struct {
	AllowedEmail string `yaml:"allowed_email" env:"ACCESS_ALLOWED_EMAIL"`
	Audience     string `yaml:"audience" env:"ACCESS_AUD"`
}

// Bluesky holds the app-password login.
type Bluesky struct {
	Handle      string `yaml:"handle" env:"BLUESKY_HANDLE"`
	AppPassword string `yaml:"app_password" env:"BLUESKY_APP_PASSWORD"`
	Service     string `yaml:"service" env:"BLUESKY_SERVICE" env-default:"https://bsky.social"`
}

// Mastodon holds the instance and access token.
type Mastodon struct {
	BaseURL     string `yaml:"base_url" env:"MASTODON_BASE_URL"`
	AccessToken string `yaml:"access_token" env:"MASTODON_ACCESS_TOKEN"`
	Visibility  string `yaml:"visibility" env:"MASTODON_VISIBILITY" env-default:"unlisted"`
}

// X holds OAuth 1.0a user-context credentials.
type X struct {
	ConsumerKey       string `yaml:"consumer_key" env:"X_CONSUMER_KEY"`
	ConsumerSecret    string `yaml:"consumer_secret" env:"X_CONSUMER_SECRET"`
	AccessToken       string `yaml:"access_token" env:"X_ACCESS_TOKEN"`
	AccessTokenSecret string `yaml:"access_token_secret" env:"X_ACCESS_TOKEN_SECRET"`
}

// Load reads an optional .env file, then either a YAML config file (with
// environment overrides) or the environment alone.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if configPath != "" {
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.SiteBaseURL = strings.TrimRight(strings.TrimSpace(c.SiteBaseURL), "/")
	c.AdminOrigin = strings.TrimRight(strings.TrimSpace(c.AdminOrigin), "/")
	c.PostsDir = strings.Trim(strings.TrimSpace(c.PostsDir), "/")
	if c.PostsDir == "" {
		c.PostsDir = "posts"
	}
	c.Mastodon.BaseURL = strings.TrimRight(strings.TrimSpace(c.Mastodon.BaseURL), "/")
	if c.Mastodon.Visibility == "" {
		c.Mastodon.Visibility = "unlisted"
	}
	if c.GitHub.Branch == "" {
		c.GitHub.Branch = "main"
	}
	c.Bluesky.Handle = strings.TrimPrefix(strings.TrimSpace(c.Bluesky.Handle), "@")
}

// Missing lists the required settings that are empty, in a stable order.
func (c *Config) Missing() []string {
	required := []struct {
		key   string
		value string
	}{
		{"GITHUB_OWNER", c.GitHub.Owner},
		{"GITHUB_REPO", c.GitHub.Repo},
		{"GITHUB_TOKEN", c.GitHub.Token},
		{"ACCESS_ALLOWED_EMAIL", c.Access.AllowedEmail},
		{"ACCESS_AUD", c.Access.Audience},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.key)
		}
	}
	return missing
}

// CORSOrigin is the origin allowed to call the endpoint from a browser.
// Empty means "echo the request origin".
func (c *Config) CORSOrigin() string {
	if c.AdminOrigin != "" {
		return c.AdminOrigin
	}
	return c.SiteBaseURL
}
