// Meshroom: CLI participant.
//
// Joins a mesh video room through the signaling server and negotiates one
// WebRTC session with every other participant. Local media is synthetic
// (silence and filler frames) so the tool runs on headless hosts.
//
// Configuration comes from an optional YAML file (--config), MESHROOM_*
// environment variables and flags. A missing token or room is asked for
// interactively.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/meshroom/internal/app"
	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet("meshroom", pflag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	config.RegisterClientFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshroom v%s", version))
	pterm.Println()

	if cfg.Token == "" {
		cfg.Token = ask("Access token")
	}
	if cfg.RoomID == "" {
		cfg.RoomID = ask("Room to join")
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}

	if err := app.RunRoom(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("left room %s", cfg.RoomID)
}

// ask prompts until a non-empty value is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}

		pterm.Println()
		util.LogWarning("a value is required")
	}
}
