package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/chat"
	"github.com/go-go-golems/marionette/pkg/config"
	"github.com/go-go-golems/marionette/pkg/persistence"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.AddCommand(newSessionsListCmd())
	cmd.AddCommand(newSessionsDeleteCmd())
	return cmd
}

func openStore() (*chat.Store, *persistence.SQLiteGateway, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	gateway, err := persistence.NewSQLiteGateway(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	store := chat.NewStore(gateway, nil)
	if err := store.Load(); err != nil {
		_ = gateway.Close()
		return nil, nil, err
	}
	return store, gateway, nil
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List persisted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, gateway, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = gateway.Close() }()
			active := store.ActiveID()
			for _, s := range store.Sessions() {
				marker := " "
				if s.ID == active {
					marker = "*"
				}
				title := s.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s %s  %-30s  %d messages  %s\n", marker, s.ID, title, len(s.Messages), s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a persisted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, gateway, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = gateway.Close() }()
			store.Delete(args[0])
			return nil
		},
	}
}
