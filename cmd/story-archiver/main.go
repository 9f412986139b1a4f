// Command story-archiver archives Instagram stories into a local cache
// and republishes them as day-grouped reply threads on Twitter.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lostasf/instagram-story-archiver/internal/archive"
	"github.com/lostasf/instagram-story-archiver/internal/config"
	"github.com/lostasf/instagram-story-archiver/internal/instagram"
	"github.com/lostasf/instagram-story-archiver/internal/logging"
	"github.com/lostasf/instagram-story-archiver/internal/media"
	"github.com/lostasf/instagram-story-archiver/internal/notify"
	"github.com/lostasf/instagram-story-archiver/internal/publisher"
	"github.com/lostasf/instagram-story-archiver/internal/runner"
	"github.com/lostasf/instagram-story-archiver/internal/twitter"
)

// Set via -ldflags at build time.
var (
	commitHash string
	buildTime  string
)

// CLI flags
var (
	accountFlag string
	storyIDFlag string
)

// rootCmd runs a full fetch-then-publish cycle, which is what the
// scheduler invokes.
var rootCmd = &cobra.Command{
	Use:   "story-archiver",
	Short: "Archive Instagram stories and republish them to Twitter",
	Long: `story-archiver fetches the active Instagram stories of the configured
accounts, caches their media locally, and posts day-grouped batches as a
reply thread under each account's anchor tweet.

Stories are only published once their upload day (UTC+7) has ended, so a
day's thread post contains the complete day. Interrupted runs resume
safely: already posted batches are never posted again.

Examples:
  story-archiver              # full cycle: fetch then publish
  story-archiver run          # same as the bare invocation
  story-archiver fetch        # cache active stories, publish nothing
  story-archiver publish      # publish what is already cached
  story-archiver status       # show per-account archive state
  story-archiver archive --account gendis --story-id 3412    # cache one story`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap().Run(cmd.Context())
	},
}

// runCmd is an explicit spelling of the root behavior, for schedulers
// that prefer naming the action.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full fetch-then-publish cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap().Run(cmd.Context())
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch and cache active stories without publishing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap().Fetch(cmd.Context())
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish cached stories whose day has ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap().Publish(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-account archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		printStatus(bootstrap().Status())
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Cache one specific active story without publishing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap().ArchiveStory(cmd.Context(), archive.NormalizeUsername(accountFlag), storyIDFlag)
	},
}

func init() {
	archiveCmd.Flags().StringVar(&accountFlag, "account", "", "Instagram username the story belongs to")
	archiveCmd.Flags().StringVar(&storyIDFlag, "story-id", "", "Story id to cache")
	_ = archiveCmd.MarkFlagRequired("account")
	_ = archiveCmd.MarkFlagRequired("story-id")

	rootCmd.AddCommand(runCmd, fetchCmd, publishCmd, statusCmd, archiveCmd)
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and wires the coordinator, or exits
// fatally when the environment is not usable.
func bootstrap() *runner.Coordinator {
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	store, err := archive.Open(cfg.ArchivePath, cfg.DefaultUsername())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ArchivePath).Msg("Failed to open archive document")
	}

	cache, err := media.NewCache(cfg.MediaCacheDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.MediaCacheDir).Msg("Failed to prepare media cache")
	}

	source := instagram.NewClient(cfg.RapidAPIKey, cfg.RapidAPIHost)
	tw := twitter.NewClient(cfg.Twitter.APIKey, cfg.Twitter.APISecret, cfg.Twitter.AccessToken, cfg.Twitter.AccessSecret)
	pub := publisher.New(store, tw, cfg, cfg.MaxPerPost, store.Save)
	notifier := notify.NewDiscord(cfg.DiscordWebhookURL)

	logging.NewStartupLogger("story-archiver").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Accounts(cfg.Usernames).
		Path("archive", cfg.ArchivePath).
		Path("mediaCache", cfg.MediaCacheDir).
		Feature("discord", notifier.Enabled()).
		Config("offsetHours", fmt.Sprint(cfg.OffsetHours)).
		Config("maxPerPost", fmt.Sprint(cfg.MaxPerPost)).
		Log()

	return runner.New(cfg, store, source, cache, pub, notifier)
}

func printStatus(status runner.Status) {
	fmt.Printf("Archive: %s\n\n", status.ArchivePath)
	if len(status.Accounts) == 0 {
		fmt.Println("No accounts archived yet.")
		return
	}
	for _, a := range status.Accounts {
		fmt.Printf("@%s\n", a.Username)
		fmt.Printf("  stories:      %d (%d media)\n", a.TotalStories, a.TotalMedia)
		fmt.Printf("  unpublished:  %d (%d publishable now, %d waiting for day end)\n", a.Unpublished, a.Publishable, a.Deferred)
		if a.AnchorPostID != "" {
			fmt.Printf("  thread:       anchor %s, last post %s\n", a.AnchorPostID, a.LastPostID)
		}
		if a.LastCheckedAt != "" {
			fmt.Printf("  last checked: %s\n", a.LastCheckedAt)
		}
		fmt.Println()
	}
}
