package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skillopt/skillopt/internal/daemon"
	"github.com/skillopt/skillopt/internal/domain"
	"github.com/skillopt/skillopt/internal/storage/sqlite"
)

func init() {
	rootCmd.AddCommand(skillCmd)
	skillCmd.AddCommand(skillCreateCmd)
	skillCmd.AddCommand(skillShowCmd)

	skillCreateCmd.Flags().String("agent-id", "", "agent id this skill belongs to (required)")
	skillCreateCmd.Flags().String("name", "", "human-readable skill name (required)")
	skillCreateCmd.Flags().Int("configuration-count", 3, "number of candidate arms per cluster, [1,25]")
	skillCreateCmd.Flags().Int("clustering-interval", 50, "logs between partitioning passes, [1,1000]")
	skillCreateCmd.Flags().Int("reflection-min-requests-per-arm", 10, "pulls required before an arm's prompt is rewritten, [1,1000]")
	skillCreateCmd.Flags().Float64("exploration-temperature", 1.0, "Thompson-sampling temperature, [0.1,10.0]")
	skillCreateCmd.Flags().Bool("optimize", true, "enable bandit optimization (false collapses to a single implicit arm)")
}

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage skill-optimization Skill rows from the command line",
}

var skillCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new Skill",
	RunE:  runSkillCreate,
}

var skillShowCmd = &cobra.Command{
	Use:   "show SKILL_ID",
	Short: "Show a Skill by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillShow,
}

func openStorageFromConfig() (*sqlite.DB, error) {
	cfg := daemon.DefaultConfig()
	if configPath != "" {
		loaded, err := daemon.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return sqlite.Open(cfg.Storage.Path)
}

func runSkillCreate(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetString("agent-id")
	name, _ := cmd.Flags().GetString("name")
	if agentID == "" || name == "" {
		return fmt.Errorf("--agent-id and --name are required")
	}
	configCount, _ := cmd.Flags().GetInt("configuration-count")
	clusteringInterval, _ := cmd.Flags().GetInt("clustering-interval")
	reflectionFloor, _ := cmd.Flags().GetInt("reflection-min-requests-per-arm")
	temperature, _ := cmd.Flags().GetFloat64("exploration-temperature")
	optimize, _ := cmd.Flags().GetBool("optimize")

	now := time.Now()
	skill := domain.Skill{
		ID:                          uuid.NewString(),
		AgentID:                     agentID,
		Name:                        name,
		ConfigurationCount:          configCount,
		ClusteringInterval:          clusteringInterval,
		ReflectionMinRequestsPerArm: reflectionFloor,
		ExplorationTemperature:      temperature,
		Optimize:                    optimize,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
	if err := skill.Validate(); err != nil {
		return err
	}

	db, err := openStorageFromConfig()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.UpsertSkill(context.Background(), skill); err != nil {
		return fmt.Errorf("create skill: %w", err)
	}

	fmt.Fprintf(os.Stdout, "created skill %s (%s)\n", skill.ID, skill.Name)
	return nil
}

func runSkillShow(cmd *cobra.Command, args []string) error {
	db, err := openStorageFromConfig()
	if err != nil {
		return err
	}
	defer db.Close()

	skill, err := db.GetSkill(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("get skill: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(skill)
}
