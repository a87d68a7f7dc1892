package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/ternarybob/banner"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/version"
)

// PrintBanner displays the startup banner to stderr and logs a structured
// startup event.
func PrintBanner(cfg *config.Config, logger *Logger) {
	v := version.GetVersion()
	build := version.GetBuild()
	commit := version.GetGitCommit()
	serviceURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 70
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	art := []string{
		`  .d8888b.  8888888888        8888888b.  8888888b.         d8888`,
		` d88P  Y88b 888                888   Y88b 888   Y88b       d88888`,
		` 888    888 888                888    888 888    888      d88P888`,
		` 888        8888888            888   d88P 888   d88P     d88P 888`,
		` 888        888                8888888P"  8888888P"     d88P  888`,
		` 888    888 888                888 T88b   888          d88P   888`,
		` Y88b  d88P 888                888  T88b  888         d8888888888`,
		`  "Y8888P"  8888888888         888   T88b 888        d88P     888`,
	}

	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)
	for _, line := range art {
		fmt.Fprintf(os.Stderr, "%s%s%s\n", textColor, line, banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n%s  CasareRPA Orchestrator Core%s\n\n%s\n\n", textColor, banner.ColorReset, hr)

	kvPad := 16
	kvLines := [][2]string{
		{"Version", v},
		{"Build", build},
		{"Commit", commit},
		{"Environment", cfg.Environment},
		{"Service URL", serviceURL},
	}
	for _, kv := range kvLines {
		fmt.Fprintf(os.Stderr, "%s  %-*s %s%s\n", textColor, kvPad, kv[0], kv[1], banner.ColorReset)
	}
	fmt.Fprintf(os.Stderr, "\n%s\n\n", hr)

	logger.Info().
		Str("version", v).
		Str("build", build).
		Str("commit", commit).
		Str("environment", cfg.Environment).
		Str("service_url", serviceURL).
		Msg("orchestrator started")
}

// PrintShutdownBanner displays the shutdown banner to stderr.
func PrintShutdownBanner(logger *Logger) {
	lineColor := banner.ColorCyan
	textColor := banner.ColorBold + banner.ColorWhite
	width := 48
	hr := lineColor + strings.Repeat("═", width) + banner.ColorReset

	fmt.Fprintf(os.Stderr, "\n%s\n", hr)
	fmt.Fprintf(os.Stderr, "%s  ORCHESTRATOR — SHUTTING DOWN%s\n", textColor, banner.ColorReset)
	fmt.Fprintf(os.Stderr, "%s\n\n", hr)

	logger.Info().Msg("orchestrator shutting down")
}
