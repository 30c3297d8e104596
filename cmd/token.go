package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/psds-microservice/support-session/internal/middleware"
	"github.com/psds-microservice/support-session/internal/model"
	"github.com/psds-microservice/support-session/internal/service"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a development bearer token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().Bool("agent", false, "issue an agent token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("token: JWT_SECRET is not set")
	}
	name, _ := cmd.Flags().GetString("name")
	asAgent, _ := cmd.Flags().GetBool("agent")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	actor := service.Actor{ID: args[0], Name: name, Role: model.SenderUser}
	if asAgent {
		actor.Role = model.SenderAgent
	}
	tok, err := middleware.NewAuthenticator(cfg.JWTSecret).Issue(actor, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
