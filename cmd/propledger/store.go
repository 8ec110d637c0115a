package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"propledger/internal/auth"
	"propledger/internal/core"
	"propledger/internal/seed"
)

func (a *app) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, indexes and row-level security policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver == string(core.StorageMemory) {
				a.log.Warn("memory storage has no schema; nothing to migrate")
				return nil
			}
			// Opening a SQL store applies its schema idempotently.
			store, err := core.OpenPersistentStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			a.log.Info("schema applied", zap.String("storage", cfg.Storage.Driver))
			return store.Close()
		},
	}
	return a.withFlags(cmd, storageKeys...)
}

func (a *app) seedCommand() *cobra.Command {
	var fast bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load the demo tenants, users, properties and reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			ds, err := seed.Demo()
			if err != nil {
				return err
			}
			store, err := core.OpenPersistentStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			svc := core.NewService(store, core.WithLogger(a.log), core.WithAuditRecorder(core.NewZapAuditRecorder(a.log)))
			defer svc.Close()

			cost := auth.HashCost
			if fast {
				cost = bcrypt.MinCost
			}
			sum, err := seed.Apply(cmd.Context(), svc, auth.NewRegistrar(store, cost), ds, a.log)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "seeded %d tenants, %d users, %d properties, %d reservations\n",
				sum.Tenants, sum.Users, sum.Properties, sum.Reservations)
			for _, id := range sum.Skipped {
				fmt.Fprintf(a.out, "skipped %s (already present)\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fast, "fast-hash", false, "hash demo passwords with the minimum bcrypt cost")
	return a.withFlags(cmd, storageKeys...)
}
