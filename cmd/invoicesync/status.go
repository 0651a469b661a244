package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/invoicesync"
	"github.com/spf13/cobra"
)

var queueFromStore bool

func init() {
	queueCmd.Flags().BoolVar(&queueFromStore, "store", false, "list the raw queue entries persisted in the store")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, queue sizes and sync position",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		s.manager.Monitor.Check(ctx)
		st := s.manager.Status()
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  API URL:      %s\n", s.cfg.API.BaseURL)
		fmt.Fprintf(out, "  Realtime URL: %s\n", valueOrDefault(s.cfg.API.RealtimeURL, "(same as API)"))
		fmt.Fprintf(out, "  Store:        %s\n", valueOrDefault(s.cfg.Store.Driver, "sqlite"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Sync:")
		fmt.Fprintf(out, "  Reachable:    %t\n", st.Reachable)
		last := "(never)"
		if st.Sync.LastSyncedAt != nil {
			last = st.Sync.LastSyncedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  Last sync:    %s\n", last)
		if st.Sync.LastSyncError != "" {
			fmt.Fprintf(out, "  Last error:   %s\n", st.Sync.LastSyncError)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Queues:")
		for _, c := range st.Controllers {
			fmt.Fprintf(out, "  %-10s pending=%d cached=%d\n", c.Kind, c.Pending, c.Records)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue [invoices|customers|orders|settings]",
	Short: "List pending offline mutations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if queueFromStore {
			stored, err := s.manager.StoredQueues(cmd.Context())
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(cmd.OutOrStdout(), stored)
			}
			for _, sk := range stored {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %d bytes\n", sk.Key, sk.Bytes)
			}
			return nil
		}

		want := ""
		if len(args) == 1 {
			want = args[0]
		}
		m := s.manager
		var rows []queueRow
		rows = appendQueue(rows, want, m.Invoices)
		rows = appendQueue(rows, want, m.Customers)
		rows = appendQueue(rows, want, m.Orders)
		rows = appendQueue(rows, want, m.Settings)

		if flagJSON {
			return printJSON(cmd.OutOrStdout(), rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-8s %-16s %s\n",
				r.EnqueuedAt.Format(time.RFC3339), r.Kind, r.Op, r.Key, r.ID)
		}
		return nil
	},
}

type queueRow struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	Key        string    `json:"key"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func appendQueue[T invoicesync.Record](rows []queueRow, want string, c *invoicesync.Controller[T]) []queueRow {
	name := c.Kind().Name
	if want != "" && want != name {
		return rows
	}
	for _, it := range c.Pending() {
		rows = append(rows, queueRow{Kind: name, ID: it.ID, Op: string(it.Kind), Key: it.Key, EnqueuedAt: it.EnqueuedAt})
	}
	return rows
}
