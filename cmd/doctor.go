package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/store/pg"
	"github.com/nextlevelbuilder/swarmgate/internal/store/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("swarmgate doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Agents:")
	if len(cfg.Agents) == 0 {
		fmt.Println("    none configured — run: swarmgate onboard")
	} else {
		printAgentTable(cfg)
	}

	fmt.Println()
	fmt.Println("  Gateways:")
	checkGateway("Discord", cfg.Gateways.Discord.Enabled, cfg.Gateways.Discord.Token != "")
	checkGateway("Telegram", cfg.Gateways.Telegram.Enabled, cfg.Gateways.Telegram.Token != "")
	if cfg.Gateways.WebSocket.Enabled {
		auth := "token auth"
		if cfg.Gateways.WebSocket.Token == "" {
			auth = "NO AUTH (set SWARMGATE_WS_TOKEN)"
		}
		fmt.Printf("    %-10s enabled, port %d, %s\n", "WebSocket:", cfg.Gateways.WebSocket.Port, auth)
	} else {
		fmt.Printf("    %-10s disabled\n", "WebSocket:")
	}

	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	fmt.Println()
	fmt.Printf("  Personas: %s", cfg.Personas.Dir)
	if _, err := os.Stat(cfg.Personas.Dir); err != nil {
		fmt.Println(" (NOT FOUND — ephemeral personas will be used)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("  Backends:")
	for _, bin := range backendBinaries(cfg) {
		checkBinary(bin)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// printAgentTable renders the agent roster with runewidth-aware columns so
// CJK display names stay aligned.
func printAgentTable(cfg *config.Config) {
	headers := []string{"ID", "Display", "Tier", "Pool", "Cooldown", "Prefix", "Delegates", "Enabled"}
	var rows [][]string
	for _, id := range cfg.AgentIDs() {
		a := cfg.Agent(id)
		rows = append(rows, []string{
			id,
			a.DisplayName,
			fmt.Sprintf("%d", a.EffectiveTier()),
			fmt.Sprintf("%d", a.EffectivePoolSize()),
			fmt.Sprintf("%dms", a.EffectiveCooldownMs()),
			a.TriggerPrefix,
			fmt.Sprintf("%t", a.CanDelegate),
			fmt.Sprintf("%t", a.IsEnabled()),
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	printRow := func(cells []string) {
		var b strings.Builder
		b.WriteString("    ")
		for i, cell := range cells {
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Println(strings.TrimRight(b.String(), " "))
	}
	printRow(headers)
	for _, row := range rows {
		printRow(row)
	}
}

func checkGateway(name string, enabled, hasToken bool) {
	label := name + ":"
	switch {
	case !enabled:
		fmt.Printf("    %-10s disabled\n", label)
	case hasToken:
		fmt.Printf("    %-10s enabled, token set\n", label)
	default:
		fmt.Printf("    %-10s enabled, TOKEN MISSING (set SWARMGATE_%s_TOKEN)\n", label, strings.ToUpper(name))
	}
}

func checkDatabase(cfg *config.Config) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		db, err := pg.OpenDB(dsn)
		if err != nil {
			fmt.Printf("    %-10s postgres CONNECT FAILED (%s)\n", "Backend:", err)
			return
		}
		defer db.Close()
		fmt.Printf("    %-10s postgres (OK)\n", "Backend:")
		return
	}
	db, err := sqlite.Open(cfg.Database.SQLitePath)
	if err != nil {
		fmt.Printf("    %-10s sqlite %s OPEN FAILED (%s)\n", "Backend:", cfg.Database.SQLitePath, err)
		return
	}
	defer db.Close()
	fmt.Printf("    %-10s sqlite %s (OK)\n", "Backend:", cfg.Database.SQLitePath)
}

// backendBinaries lists the distinct agent backend commands in use.
func backendBinaries(cfg *config.Config) []string {
	seen := map[string]bool{}
	var bins []string
	for _, id := range cfg.AgentIDs() {
		a := cfg.Agent(id)
		backend := a.Backend
		if backend == "" {
			backend = "claude"
		}
		if !seen[backend] {
			seen[backend] = true
			bins = append(bins, backend)
		}
	}
	return bins
}

func checkBinary(name string) {
	if path, err := exec.LookPath(name); err == nil {
		fmt.Printf("    %-10s %s\n", name+":", path)
	} else {
		fmt.Printf("    %-10s NOT FOUND in PATH\n", name+":")
	}
}
