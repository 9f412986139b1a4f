// Package config loads the archiver's configuration from environment
// variables (a .env file is honored when present) and an optional YAML
// accounts file carrying per-account thread templates.
//
// The env surface matches the original deployment: INSTAGRAM_USERNAMES
// takes precedence over INSTAGRAM_USERNAME, which itself still accepts a
// comma-separated list for backward compatibility, and the per-account
// thread templates can also be supplied inline as TWITTER_THREAD_CONFIG
// JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
	"github.com/lostasf/instagram-story-archiver/internal/batch"
	"github.com/lostasf/instagram-story-archiver/internal/eligibility"
)

// captionDateFormat renders dates as DD/MM/YYYY in the offset timezone.
const captionDateFormat = "02/01/2006"

// TwitterCredentials holds the OAuth 1.0a user-context credentials.
type TwitterCredentials struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string
}

// ThreadConfig customizes one account's thread texts.
type ThreadConfig struct {
	// AnchorText, when set, is used verbatim as the thread's anchor post.
	AnchorText string `yaml:"anchor_text" json:"anchor_text"`

	// TemplateName is a display name used to derive the anchor text when
	// AnchorText is empty (e.g. "Gendis" -> "Gendis Instagram Story").
	TemplateName string `yaml:"template_name" json:"template_name"`

	// Caption is the per-post caption template. The {date} placeholder is
	// replaced with the batch day formatted DD/MM/YYYY in the offset
	// timezone. Empty falls back to the default caption.
	Caption string `yaml:"caption" json:"caption"`
}

// Config is the full runtime configuration.
type Config struct {
	Usernames []string

	RapidAPIKey  string
	RapidAPIHost string
	Twitter      TwitterCredentials

	ArchivePath   string
	MediaCacheDir string
	MediaKeep     int

	OffsetHours int
	MaxPerPost  int

	DiscordWebhookURL string

	Threads map[string]ThreadConfig
}

// DefaultUsername is the primary account, used as the migration target
// for legacy single-account archives.
func (c *Config) DefaultUsername() string {
	if len(c.Usernames) == 0 {
		return ""
	}
	return c.Usernames[0]
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RapidAPIKey:  os.Getenv("RAPIDAPI_KEY"),
		RapidAPIHost: envOrDefault("RAPIDAPI_HOST", "instagram120.p.rapidapi.com"),
		Twitter: TwitterCredentials{
			APIKey:       os.Getenv("TWITTER_API_KEY"),
			APISecret:    os.Getenv("TWITTER_API_SECRET"),
			AccessToken:  os.Getenv("TWITTER_ACCESS_TOKEN"),
			AccessSecret: os.Getenv("TWITTER_ACCESS_SECRET"),
		},
		ArchivePath:       envOrDefault("ARCHIVE_DB_PATH", "./archive.json"),
		MediaCacheDir:     envOrDefault("MEDIA_CACHE_DIR", "./media_cache"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		Threads:           map[string]ThreadConfig{},
	}

	// INSTAGRAM_USERNAMES wins; INSTAGRAM_USERNAME may itself be a list.
	usernames := parseCSV(os.Getenv("INSTAGRAM_USERNAMES"))
	if len(usernames) == 0 {
		usernames = parseCSV(os.Getenv("INSTAGRAM_USERNAME"))
	}
	for _, u := range usernames {
		if normalized := archive.NormalizeUsername(u); normalized != "" {
			cfg.Usernames = append(cfg.Usernames, normalized)
		}
	}

	// INSTAGRAM_TEMPLATE_NAMES aligns positionally with the username list.
	for i, name := range parseCSV(os.Getenv("INSTAGRAM_TEMPLATE_NAMES")) {
		if i >= len(cfg.Usernames) {
			break
		}
		tc := cfg.Threads[cfg.Usernames[i]]
		tc.TemplateName = name
		cfg.Threads[cfg.Usernames[i]] = tc
	}

	var err error
	if cfg.OffsetHours, err = envInt("ARCHIVER_UTC_OFFSET", eligibility.DefaultOffsetHours); err != nil {
		return nil, err
	}
	if cfg.MaxPerPost, err = envInt("ARCHIVER_MAX_PER_POST", batch.DefaultMaxPerPost); err != nil {
		return nil, err
	}
	if cfg.MediaKeep, err = envInt("MEDIA_CACHE_KEEP", 100); err != nil {
		return nil, err
	}

	if err := cfg.loadThreadJSON(os.Getenv("TWITTER_THREAD_CONFIG")); err != nil {
		return nil, err
	}
	if path := os.Getenv("ACCOUNTS_CONFIG"); path != "" {
		if err := cfg.loadAccountsFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadThreadJSON merges the inline TWITTER_THREAD_CONFIG JSON object
// (username -> thread config) into the thread map.
func (c *Config) loadThreadJSON(raw string) error {
	if raw == "" {
		return nil
	}
	parsed := map[string]ThreadConfig{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("invalid TWITTER_THREAD_CONFIG JSON: %w", err)
	}
	for username, tc := range parsed {
		c.mergeThread(username, tc)
	}
	return nil
}

// accountsFile is the YAML accounts file shape.
type accountsFile struct {
	Accounts map[string]ThreadConfig `yaml:"accounts"`
}

// loadAccountsFile merges per-account thread templates from a YAML file.
// File entries win over the inline JSON.
func (c *Config) loadAccountsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read accounts config: %w", err)
	}
	var parsed accountsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse accounts config %s: %w", path, err)
	}
	for username, tc := range parsed.Accounts {
		c.mergeThread(username, tc)
	}
	return nil
}

func (c *Config) mergeThread(username string, tc ThreadConfig) {
	key := archive.NormalizeUsername(username)
	if key == "" {
		return
	}
	existing := c.Threads[key]
	if tc.AnchorText != "" {
		existing.AnchorText = tc.AnchorText
	}
	if tc.TemplateName != "" {
		existing.TemplateName = tc.TemplateName
	}
	if tc.Caption != "" {
		existing.Caption = tc.Caption
	}
	c.Threads[key] = existing
}

// Validate checks that everything a full archive run needs is present.
func (c *Config) Validate() error {
	var missing []string
	required := map[string]string{
		"RAPIDAPI_KEY":          c.RapidAPIKey,
		"TWITTER_API_KEY":       c.Twitter.APIKey,
		"TWITTER_API_SECRET":    c.Twitter.APISecret,
		"TWITTER_ACCESS_TOKEN":  c.Twitter.AccessToken,
		"TWITTER_ACCESS_SECRET": c.Twitter.AccessSecret,
	}
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.Usernames) == 0 {
		return fmt.Errorf("no Instagram usernames configured: set INSTAGRAM_USERNAME or INSTAGRAM_USERNAMES")
	}
	if c.MaxPerPost < 1 {
		return fmt.Errorf("ARCHIVER_MAX_PER_POST must be at least 1, got %d", c.MaxPerPost)
	}
	if c.OffsetHours < -12 || c.OffsetHours > 14 {
		return fmt.Errorf("ARCHIVER_UTC_OFFSET out of range: %d", c.OffsetHours)
	}
	return nil
}

// AnchorText resolves the anchor post text for an account: explicit
// anchor text, then the template name, then a generic default.
func (c *Config) AnchorText(username string) string {
	key := archive.NormalizeUsername(username)
	tc := c.Threads[key]

	if tc.AnchorText != "" {
		return tc.AnchorText
	}
	if tc.TemplateName != "" {
		if strings.Contains(strings.ToLower(key), "jkt48") {
			return fmt.Sprintf("%s JKT48 Instagram Story", tc.TemplateName)
		}
		return fmt.Sprintf("%s Instagram Story", tc.TemplateName)
	}
	return fmt.Sprintf("%s Instagram Story", key)
}

// StoryCaption renders the caption for one day's posts. day must already
// be expressed in the offset timezone.
func (c *Config) StoryCaption(username string, day time.Time) string {
	key := archive.NormalizeUsername(username)
	date := day.Format(captionDateFormat)

	if tc := c.Threads[key]; tc.Caption != "" {
		return strings.ReplaceAll(tc.Caption, "{date}", date)
	}
	return fmt.Sprintf("Instagram Story %s\n%s", key, date)
}

func parseCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

