package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trustlink-chat/internal/auth"
	"trustlink-chat/internal/config"
	"trustlink-chat/internal/incident"
	"trustlink-chat/internal/storage"
	"trustlink-chat/pkg/chat"
)

func main() {
	if err := buildRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// env opens the services the commands need from the server's environment.
type env struct {
	auth      *auth.AuthService
	incidents *incident.IncidentService
}

func openEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := storage.Connect(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if cfg.SeedDemo {
		if err := storage.SeedDemo(db, cfg.NewLogger(io.Discard)); err != nil {
			return nil, err
		}
	}
	return &env{
		auth:      auth.NewAuthService(db, auth.NewTokenIssuer(cfg.AppSecret, cfg.TokenTTL)),
		incidents: incident.NewIncidentService(db),
	}, nil
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "trustlink-token",
		Short:        "Development helper for users, incidents and access tokens",
		Long:         "Reads APP_SECRET, DATABASE_PATH and TOKEN_TTL like the server does.",
		SilenceUsage: true,
	}
	cmd.AddCommand(buildMintCmd(), buildUserCmd(), buildIncidentCmd())
	return cmd
}

func buildMintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint <user-id>",
		Short: "Print a signed access token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			return mint(cmd.Context(), cmd.OutOrStdout(), e.auth, args[0])
		},
	}
}

func mint(ctx context.Context, out io.Writer, svc *auth.AuthService, userID string) error {
	user, err := svc.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	token, err := svc.Tokens().GenerateToken(chat.Identity{UserID: user.ID, FullName: user.FullName, Role: user.Role})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

func buildUserCmd() *cobra.Command {
	var (
		name string
		role string
	)

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print its id and token",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, ok := chat.ParseRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			user, err := e.auth.CreateUser(cmd.Context(), name, parsed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s (%s)\n", user.ID, user.Role)
			return mint(cmd.Context(), cmd.OutOrStdout(), e.auth, user.ID)
		},
	}
	create.Flags().StringVarP(&name, "name", "n", "", "Full name")
	create.Flags().StringVarP(&role, "role", "r", string(chat.RoleCitizen), "citizen, responder or admin")
	_ = create.MarkFlagRequired("name")

	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(create)
	return cmd
}

func buildIncidentCmd() *cobra.Command {
	var title string

	create := &cobra.Command{
		Use:   "create <owner-id>",
		Short: "Open an incident for a citizen and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			inc, err := e.incidents.Create(cmd.Context(), args[0], strings.TrimSpace(title))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), inc.ID)
			return err
		},
	}
	create.Flags().StringVar(&title, "title", "", "Short description")

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List the incidents a user may join",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			user, err := e.auth.GetUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			incidents, err := e.incidents.ListForUser(cmd.Context(), chat.Identity{UserID: user.ID, Role: user.Role}, 100, 0)
			if err != nil {
				return err
			}
			for _, inc := range incidents {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", inc.ID, inc.Status, inc.OwnerID, inc.Title)
			}
			return nil
		},
	}

	cmd := &cobra.Command{Use: "incident", Short: "Manage incidents"}
	cmd.AddCommand(create, list)
	return cmd
}
