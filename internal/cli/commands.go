package cli

import (
	"errors"
	"fmt"
	"time"

	"agent_dispatch/internal/auth"
	"agent_dispatch/internal/db"
	"agent_dispatch/internal/model"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := db.Migrate(a.DB, a.Logger); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newCreateUserCmd(opts *options) *cobra.Command {
	var username, password, role string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a dashboard/API user",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case model.RoleAdmin, model.RoleOperator, model.RoleViewer:
			default:
				return fmt.Errorf("unknown role %q (want admin, operator or viewer)", role)
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			user := model.User{Username: username, PasswordHash: hash, Role: role, Status: model.UserStatusActive}
			if err := a.DB.WithContext(cmd.Context()).Create(&user).Error; err != nil {
				return fmt.Errorf("create user %s: %w", username, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id=%d, role=%s)\n", user.Username, user.ID, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Login name")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	cmd.Flags().StringVar(&role, "role", model.RoleOperator, "admin | operator | viewer")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newMintTokenCmd(opts *options) *cobra.Command {
	var username string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a user JWT for scripts and producers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var user model.User
			if err := a.DB.WithContext(cmd.Context()).Where("username = ?", username).First(&user).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("user %s not found", username)
				}
				return err
			}
			if user.Status != model.UserStatusActive {
				return fmt.Errorf("user %s is %s", username, user.Status)
			}

			tokens := a.Tokens
			if ttl > 0 {
				tokens = auth.NewManager(a.Config.JWT.Secret, a.Config.JWT.Issuer, ttl)
			}
			token, expireAt, err := tokens.Issue(auth.Principal{UID: user.ID, Username: user.Username, Role: user.Role})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, token)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expireAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Existing user")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default JWT_EXPIRE_MINUTES)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newRotateTokenCmd(opts *options) *cobra.Command {
	var deploymentHash, token string
	cmd := &cobra.Command{
		Use:   "rotate-token",
		Short: "Replace a deployment's agent token",
		Long: "Replace a deployment's agent token. The previous token keeps working for\n" +
			"AGENT_TOKEN_GRACE_SEC seconds and responses to it carry the new token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.Config.Vault.Enabled {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "warning: VAULT_ENABLED=0, the rotated token only lives in this process")
			}
			newToken, err := a.Registry.RotateToken(cmd.Context(), deploymentHash, token)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), newToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&deploymentHash, "deployment", "", "Deployment hash")
	cmd.Flags().StringVar(&token, "token", "", "New token (generated when empty)")
	_ = cmd.MarkFlagRequired("deployment")
	return cmd
}
