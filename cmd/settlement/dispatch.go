package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-settlement-backend/internal/config"
	"github.com/tbourn/go-settlement-backend/internal/services"
)

func dispatchCmd(conf func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Re-enqueue a pending transaction",
		Long: `Hand a pending transaction back to the dispatch queue, for example after
intake reported the queue unavailable. Records in any other status are
refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid transaction id %q", args[0])
			}
			cfg := conf()

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			q, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer q.Close()

			svc := &services.TransactionService{Store: store, Dispatcher: q}
			t, err := svc.Redispatch(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("dispatch %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transaction %d (%s) dispatched\n", t.ID, t.ExternalID)
			return nil
		},
	}
}
