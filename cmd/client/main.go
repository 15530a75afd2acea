package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"trustlink-chat/internal/client"
)

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		server     string
		incidentID string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "trustlink-client",
		Short: "Chat in an incident from the terminal",
		Example: `  # Join an incident as the demo citizen
  TRUSTLINK_TOKEN=$(trustlink-token mint demo-citizen) trustlink-client --incident demo-incident`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("no token: pass --token or set TRUSTLINK_TOKEN")
			}
			return runChat(cmd.Context(), server, incidentID, token)
		},
	}

	cmd.Flags().StringVarP(&server, "server", "s", envOr("TRUSTLINK_SERVER", "http://localhost:8080"), "Server address")
	cmd.Flags().StringVarP(&incidentID, "incident", "i", "", "Incident to join")
	cmd.Flags().StringVarP(&token, "token", "t", os.Getenv("TRUSTLINK_TOKEN"), "Access token")
	_ = cmd.MarkFlagRequired("incident")

	return cmd
}

func runChat(ctx context.Context, server, incidentID, token string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, err := client.Dial(dialCtx, server, incidentID, token)
	if err != nil {
		return err
	}
	ws.Start()

	p := tea.NewProgram(client.NewModel(ws, incidentID, client.TokenSubject(token)))
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(client.Model); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
