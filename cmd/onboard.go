package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnboard(); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config already exists at %s. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing config.")
			return nil
		}
	}

	var (
		agentID        = "assistant"
		displayName    = "Assistant"
		backend        = "claude"
		prefix         string
		enableDiscord  bool
		enableTelegram bool
		enableWS       = true
		wsPort         = "18890"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Default agent ID").
				Description("Lowercase identifier, used in routing and delegation").
				Value(&agentID),
			huh.NewInput().
				Title("Display name").
				Description("Shown as the reply prefix in channels").
				Value(&displayName),
			huh.NewSelect[string]().
				Title("Agent backend").
				Options(
					huh.NewOption("Claude Code (claude)", "claude"),
					huh.NewOption("Codex CLI (codex)", "codex"),
					huh.NewOption("Gemini CLI (gemini)", "gemini"),
				).
				Value(&backend),
			huh.NewInput().
				Title("Trigger prefix (optional)").
				Description("e.g. !assistant — explicit trigger for this agent").
				Value(&prefix),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable Discord gateway?").Value(&enableDiscord),
			huh.NewConfirm().Title("Enable Telegram gateway?").Value(&enableTelegram),
			huh.NewConfirm().Title("Enable WebSocket gateway?").Value(&enableWS),
			huh.NewInput().
				Title("WebSocket port").
				Value(&wsPort).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return fmt.Errorf("must be a number")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.DefaultAgent = agentID
	cfg.Agents = map[string]*config.AgentConfig{
		agentID: {
			DisplayName:   displayName,
			Backend:       backend,
			TriggerPrefix: prefix,
			Tier:          1,
			CanDelegate:   true,
		},
	}
	cfg.Gateways.Discord.Enabled = enableDiscord
	cfg.Gateways.Telegram.Enabled = enableTelegram
	cfg.Gateways.WebSocket.Enabled = enableWS
	cfg.Gateways.WebSocket.Port, _ = strconv.Atoi(wsPort)

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("\nWrote %s\n\n", cfgPath)
	fmt.Println("Secrets are read from the environment, never from the config file:")
	if enableDiscord {
		fmt.Println("  export SWARMGATE_DISCORD_TOKEN=...")
	}
	if enableTelegram {
		fmt.Println("  export SWARMGATE_TELEGRAM_TOKEN=...")
	}
	if enableWS {
		fmt.Println("  export SWARMGATE_WS_TOKEN=...   # optional, enables gateway auth")
	}
	fmt.Println("\nThen start the gateway:  swarmgate gateway")
	return nil
}
