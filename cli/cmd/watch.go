package cmd

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/instantcocoa/loom/cli/internal/output"
	"github.com/instantcocoa/loom/services/assembly"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live forest updates",
	Long:  "Connects to the assembly service and prints every published revision until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		wsURL, err := watchURL(cfg.AssemblyURL)
		if err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
		}
		defer conn.Close()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
		interrupted := make(chan struct{})
		go func() {
			<-interrupt
			close(interrupted)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}()

		output.Info("watching %s", wsURL)
		for {
			var upd assembly.Update
			if err := conn.ReadJSON(&upd); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				select {
				case <-interrupted:
					return nil
				default:
				}
				return fmt.Errorf("watch connection lost: %w", err)
			}
			line := fmt.Sprintf("revision %d", upd.Revision)
			if len(upd.Promoted) > 0 {
				line += fmt.Sprintf("  promoted: %s", strings.Join(upd.Promoted, ", "))
			}
			output.Info("%s", line)
		}
	},
}

// watchURL converts the configured HTTP base URL to the WebSocket endpoint.
func watchURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid assembly URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/watch"
	return u.String(), nil
}
