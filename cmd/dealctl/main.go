package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gigmarket/gigmarket/internal/app"
	"github.com/gigmarket/gigmarket/internal/config"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "dealctl",
	Short: "Operate the gigmarket negotiation backend",
	Long: `dealctl talks to the gigmarket database directly.
- migrate applies pending schema migrations.
- conversations, timeline and gate inspect what a participant sees.
- releases runs the escrow release sweep once.
- chat opens a live session for one participant in one conversation.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("config", "", "config file (env CONFIG_FILE)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "participant user id (env ACTOR_ID)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "timeout for one-shot commands")
	_ = v.BindPFlag("CONFIG_FILE", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("ACTOR_ID", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(conversationsCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(releasesCmd())
	rootCmd.AddCommand(chatCmd())
}

// withApp opens the wired application for one command. Commands that do not
// run forever get the --timeout deadline.
func withApp(ctx context.Context, migrate, bounded bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return err
	}
	if bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.GetDuration("timeout"))
		defer cancel()
	}
	a, err := app.Open(ctx, cfg, app.NewLogger(cfg), migrate, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() (string, error) {
	id := v.GetString("ACTOR_ID")
	if id == "" {
		return "", fmt.Errorf("--actor-id is required")
	}
	return id, nil
}

func parseConversationID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
