package admin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hermes-inc/hermes/internal/infrastructure/auth"
	"github.com/hermes-inc/hermes/internal/infrastructure/config"
	"github.com/hermes-inc/hermes/internal/infrastructure/database"
	"github.com/hermes-inc/hermes/internal/infrastructure/notification"
	"github.com/hermes-inc/hermes/internal/infrastructure/repository"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

var (
	env      string
	username string
	email    string
	yes      bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator account tools",
		Long:  `Manage the operator accounts that can access the admin API.`,
	}

	cmd.PersistentFlags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")

	cmd.AddCommand(
		newCreateUserCommand(),
		newResetCommand(),
	)

	return cmd
}

func newCreateUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an operator account",
		Long:  `Create an operator account, prompting for the password on the terminal.`,
		RunE:  runCreateUser,
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username for the new account (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address to notify about the new account")
	cmd.MarkFlagRequired("username")

	return cmd
}

func newResetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all operator accounts",
		Long:  `Delete every operator account. The next created account becomes the superuser.`,
		RunE:  runReset,
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

func initEnv() (*config.Config, logger.Interface, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(&cfg.Logger); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return cfg, logger.NewLogger(), nil
}

func runCreateUser(cmd *cobra.Command, args []string) error {
	cfg, log, err := initEnv()
	if err != nil {
		return err
	}
	defer database.Close()

	password, err := promptPassword()
	if err != nil {
		return err
	}

	users := repository.NewUserRepository(database.Get(), auth.NewPasswordHasher(cfg.Admin.BcryptCost), log)
	user, err := users.Create(context.Background(), username, password)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	log.Infow("operator account created", "username", user.Username, "id", user.ID)
	fmt.Printf("Operator account %q created\n", user.Username)

	if email != "" {
		sender := notification.NewEmailSender(notification.EmailConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUser,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.FromAddress,
		}, log)
		if !sender.Enabled() {
			return fmt.Errorf("--email given but SMTP is not configured")
		}
		body := fmt.Sprintf("An operator account %q was created on the mediator at %s.",
			user.Username, cfg.Server.Webroot)
		if err := sender.Send(email, "Mediator operator account created", body); err != nil {
			return err
		}
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, log, err := initEnv()
	if err != nil {
		return err
	}
	defer database.Close()

	if !yes {
		fmt.Print("Delete ALL operator accounts? Type 'yes' to confirm: ")
		var answer string
		fmt.Scanln(&answer)
		if strings.ToLower(strings.TrimSpace(answer)) != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	users := repository.NewUserRepository(database.Get(), auth.NewPasswordHasher(cfg.Admin.BcryptCost), log)
	if err := users.Reset(context.Background()); err != nil {
		return fmt.Errorf("failed to reset users: %w", err)
	}

	log.Infow("operator accounts deleted")
	fmt.Println("All operator accounts deleted")
	return nil
}

// promptPassword reads the password twice without echo.
func promptPassword() (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("password prompt requires a terminal; pipe-based creation is not supported")
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(first) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Fprint(os.Stderr, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
