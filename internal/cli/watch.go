package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub000/internal/config"
	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/reconcile"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
	"github.com/steveohanians/pulsedashboard-sub000/internal/stream"
	"github.com/steveohanians/pulsedashboard-sub000/internal/watch"
)

var (
	watchConfigPath string
	watchSyncAll    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the sync event stream and print entity transitions",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchConfigPath, "config", "c", "", "path to config file")
	watchCmd.Flags().BoolVar(&watchSyncAll, "sync-all", false, "trigger a bulk sync and track it as a session")
	rootCmd.AddCommand(watchCmd)
}

// printNotifier writes the single completion line per bulk session.
type printNotifier struct {
	out io.Writer
}

func (n printNotifier) BulkSyncComplete(p status.Progress) {
	fmt.Fprintf(n.out, "bulk sync complete: %d/%d entities (session %s)\n", p.Completed, p.Total, p.SessionID)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(watchConfigPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var transport stream.Transport
	switch cfg.Stream.Transport {
	case "websocket":
		transport = stream.NewWSTransport(cfg.Stream.URL, cfg.Stream.AuthToken)
	default:
		transport = stream.NewSSETransport(cfg.Stream.URL, stream.WithAuthToken(cfg.Stream.AuthToken))
	}

	var fetcher *reconcile.Fetcher
	if cfg.Snapshot.URL != "" {
		fetcher = reconcile.NewFetcher(cfg.Snapshot.URL, cfg.Stream.AuthToken, cfg.Snapshot.RefetchPerSec, logger)
	}

	store := status.NewStore(logger)
	watcher := watch.New(transport, store, fetcher, printNotifier{out: cmd.OutOrStdout()}, watch.Options{
		AutoReconnect:        cfg.Stream.AutoReconnect,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		ReconnectBaseDelay:   time.Duration(cfg.Stream.ReconnectBaseDelayMs) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(cfg.Stream.ReconnectMaxDelayMs) * time.Millisecond,
		HeartbeatTimeout:     time.Duration(cfg.Stream.HeartbeatTimeoutMs) * time.Millisecond,
		SnapshotInterval:     time.Duration(cfg.Snapshot.IntervalMs) * time.Millisecond,
	}, logger)

	out := cmd.OutOrStdout()
	unsubscribe := watcher.Subscribe(func(ch watch.Change) {
		switch ch.Kind {
		case watch.ChangeConnection:
			fmt.Fprintf(out, "connection: %s\n", ch.ConnState)
		case status.ChangeEntity:
			fmt.Fprintf(out, "entity %s: %s\n", ch.EntityID, ch.Entry.State)
		case status.ChangeAggregate:
			if ch.Progress.Total > 0 {
				fmt.Fprintf(out, "progress: %d/%d\n", ch.Progress.Completed, ch.Progress.Total)
			}
		}
	})
	defer unsubscribe()

	if cfg.Stream.Enabled {
		watcher.Enable()
		defer watcher.Disable()
	}

	if watchSyncAll {
		ids, err := triggerSyncAll(cmd.Context(), cfg.Trigger.URL, cfg.Stream.AuthToken)
		if err != nil {
			return err
		}
		sessionID := watcher.BeginBulkSession(ids)
		logger.Info("bulk sync triggered",
			zap.String("sessionId", sessionID),
			zap.Int("entities", len(ids)),
		)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-cmd.Context().Done():
	}
	return nil
}

// triggerSyncAll asks the backend to start a bulk sync and returns the
// entity ids it enrolled.
func triggerSyncAll(ctx context.Context, url, authToken string) ([]string, error) {
	if url == "" {
		return nil, fmt.Errorf("trigger.url is required for --sync-all")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to trigger bulk sync: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("trigger returned status %d", resp.StatusCode)
	}

	var body struct {
		EntityIDs []string `json:"entityIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode trigger response: %w", err)
	}
	return body.EntityIDs, nil
}
