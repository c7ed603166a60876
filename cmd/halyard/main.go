// Command halyard is a tool-using LM agent for the terminal. It runs one-shot
// prompts or an interactive REPL with JSONL session persistence, automatic
// context compaction, hot config reload, and a stream relay server that keeps
// provider keys off client machines.
//
//	halyard run "fix the failing test"
//	halyard run                          # REPL on a TTY
//	halyard sessions list
//	halyard sessions export 3f2a
//	halyard serve --addr :8790
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	loadEnvFiles()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "halyard",
		Short:         "Tool-using LM agent with sessions, compaction, and a stream relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildRunCmd(), buildSessionsCmd(), buildServeCmd())
	return root
}

// loadEnvFiles loads .env.local then .env from the working directory.
// Variables already set in the environment win; missing files are fine.
func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warn: %s: %v\n", file, err)
		}
	}
}
