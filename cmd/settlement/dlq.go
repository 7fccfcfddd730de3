package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-settlement-backend/internal/config"
	"github.com/tbourn/go-settlement-backend/internal/queue"
)

func dlqCmd(conf func() config.Config) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter lane",
	}
	dlq.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print dead letters as JSON lines",
		Long: `Print every dead-lettered message, oldest first, one JSON object per line.

The queue file is locked by a running server; stop it first or use
GET /admin/dead-letters instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := openQueue(conf())
			if err != nil {
				return err
			}
			defer q.Close()

			msgs, err := q.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONLines(cmd.OutOrStdout(), msgs)
		},
	})
	return dlq
}

func writeJSONLines(w io.Writer, msgs []queue.Message) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("write dead letter %d: %w", m.Seq, err)
		}
	}
	return nil
}
