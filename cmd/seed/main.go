// Command seed loads workflow definitions and standing delegations from YAML
// files into the database, validating them through the engine.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/machshop/workflow/internal/config"
	"github.com/machshop/workflow/internal/engine"
	"github.com/machshop/workflow/internal/logging"
	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

type seedFile struct {
	Definitions []models.WorkflowDefinition `json:"definitions"`
	Delegations []models.WorkflowDelegation `json:"delegations"`
}

// parseSeed reads YAML but decodes through the models' JSON tags, so seed
// files use the same field names as the API.
func parseSeed(data []byte) (*seedFile, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var seed seedFile
	if err := json.Unmarshal(jsonBytes, &seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

func main() {
	logger := logging.NewLogger()

	var file string
	root := &cobra.Command{
		Use:   "seed",
		Short: "Seed workflow definitions and delegations from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), file, logger)
		},
	}
	root.Flags().StringVarP(&file, "file", "f", "seed.yaml", "YAML file with definitions and delegations")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
}

func run(ctx context.Context, file string, logger *logging.Logger) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	seed, err := parseSeed(data)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Store:  store,
		Roles:  engine.StaticDirectory(cfg.Engine.Roles),
		Logger: logger,
	})

	for i := range seed.Definitions {
		def := seed.Definitions[i]
		def.CreatedBy = "seed"
		id, err := eng.DefineWorkflow(ctx, &def)
		if err != nil {
			logger.Error("Failed to seed definition", "name", def.Name, "error", err)
			continue
		}
		logger.Info("Seeded definition", "name", def.Name, "id", id)
	}

	for i := range seed.Delegations {
		d := seed.Delegations[i]
		id, err := eng.RegisterDelegation(ctx, &d)
		if err != nil {
			logger.Error("Failed to seed delegation", "delegator", d.DelegatorID, "error", err)
			continue
		}
		logger.Info("Seeded delegation", "delegator", d.DelegatorID, "delegatee", d.DelegateeID, "id", id)
	}

	logger.Info("Seeding complete!")
	return nil
}
