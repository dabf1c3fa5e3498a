package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/client"
	"github.com/go-go-golems/marionette/pkg/config"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models the backend advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			api := client.New(cfg.Backend.BaseURL)
			models, err := api.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				line := fmt.Sprintf("%-30s %-12s %s", m.ID, m.Provider, m.Name)
				if m.ContextLength > 0 {
					line += fmt.Sprintf(" (ctx %d)", m.ContextLength)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
