package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuminPulse-AI/invoicesync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the sync core in the foreground and print lifecycle events",
	Long:  "Start the realtime channel, reachability monitor and replay loops, printing every lifecycle event until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		printEvent := func(event string, payload any) {
			if flagJSON {
				_ = printJSON(out, map[string]any{"event": event, "payload": payload, "at": time.Now().UTC()})
				return
			}
			fmt.Fprintf(out, "%s  %-18s %v\n", time.Now().Format(time.TimeOnly), event, payload)
		}
		for _, ev := range []string{
			invoicesync.EventQueueEnqueued,
			invoicesync.EventQueueConfirmed,
			invoicesync.EventQueueFailed,
			invoicesync.EventReplayComplete,
			invoicesync.EventFetchFailed,
			invoicesync.EventSyncComplete,
			invoicesync.EventSyncError,
			invoicesync.EventNetworkOnline,
			invoicesync.EventNetworkOffline,
			invoicesync.EventRealtimeState,
			invoicesync.EventRealtimeMessage,
		} {
			s.manager.Events.On(ev, printEvent)
		}

		if err := s.manager.Start(ctx); err != nil {
			return err
		}

		var srv *http.Server
		if s.cfg.Webhook.Addr != "" {
			wh, err := invoicesync.NewInvalidationWebhook(s.cfg.Webhook.Secret, s.manager.Router, logger)
			if err != nil {
				return err
			}
			srv = &http.Server{Addr: s.cfg.Webhook.Addr, Handler: wh, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				logger.Info("webhook receiver listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("webhook receiver failed", "error", err)
					stop()
				}
			}()
		}

		<-ctx.Done()
		logger.Info("shutting down")
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	},
}
