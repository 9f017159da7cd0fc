package cli

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/skillopt/skillopt/internal/api"
	"github.com/skillopt/skillopt/internal/bandit"
	"github.com/skillopt/skillopt/internal/cluster"
	"github.com/skillopt/skillopt/internal/daemon"
	"github.com/skillopt/skillopt/internal/evaluation"
	"github.com/skillopt/skillopt/internal/llm"
	"github.com/skillopt/skillopt/internal/lock"
	"github.com/skillopt/skillopt/internal/partition"
	"github.com/skillopt/skillopt/internal/pipeline"
	"github.com/skillopt/skillopt/internal/reflection"
	"github.com/skillopt/skillopt/internal/storage/sqlite"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("metrics", true, "expose the /metrics Prometheus endpoint")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the skilloptd HTTP API and background controllers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := daemon.DefaultConfig()
	if configPath != "" {
		loaded, err := daemon.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	storage, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	locker := lock.New(storage)
	b := bandit.New(rand.New(rand.NewSource(time.Now().UnixNano())))
	router := cluster.New(storage)

	endpoints := llm.Endpoints{} // provider -> URL; populate from config/env for a real deployment
	client := llm.New(&http.Client{Timeout: 60 * time.Second}, endpoints, "", "", "")

	partitionCtrl := partition.New(storage, locker, nil, rand.New(rand.NewSource(time.Now().UnixNano())))
	reflectionCtrl := reflection.New(storage, locker, client, nil)
	evalRunner := evaluation.New(storage, client, b, nil, reflectionCtrl)

	pipe := pipeline.New(pipeline.Config{
		Storage:    storage,
		Router:     router,
		Bandit:     b,
		Embedder:   client,
		Upstream:   client,
		Events:     nil,
		Evaluation: evalRunner,
		Partition:  partitionCtrl,
		Reflection: reflectionCtrl,
	})

	server := api.NewServer(storage, pipe)
	if enabled, _ := cmd.Flags().GetBool("metrics"); enabled {
		server.EnableMetrics()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("[serve] listening on %s", addr)
	return http.ListenAndServe(addr, server.Handler())
}
