// Package cli implements the skilloptd command tree, mirroring the
// teacher's rootCmd/sub-command/RunE convention.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "skilloptd",
	Short: "Skill-optimization runtime: bandit-driven configuration selection for agent skills",
	Long: `skilloptd runs the skill-optimization control loop: it proxies a
skill's requests through a Thompson-sampling bandit over (prompt, model)
configurations, scores responses with an LLM judge, folds the reward
back into the bandit's posteriors, and periodically re-partitions the
embedding space and regenerates prompts from the accumulated history.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to skilloptd.toml (defaults are used if omitted)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
