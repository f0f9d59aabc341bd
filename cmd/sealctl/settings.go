package main

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"sealdb/internal/security"
)

func newSettingsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage encrypted application settings",
	}
	cmd.AddCommand(newSettingsEmailCmd(c))
	return cmd
}

func newSettingsEmailCmd(c *cli) *cobra.Command {
	var (
		settings security.EmailSettings
		pw       passwordFlags
		show     bool
	)
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Save SMTP settings that override the configured mail provider",
		Long: `Save SMTP settings that override the configured mail provider.

The settings are sealed with a key derived from this machine's database key.
They take effect the next time the server starts. Use --show to print the
stored settings with the password masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := c.components.Settings
			if show {
				current, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if current == nil {
					return errors.New("no email settings saved")
				}
				if current.Password != "" {
					current.Password = "********"
				}
				return printJSON(cmd.OutOrStdout(), current)
			}

			password, err := pw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			settings.Password = password

			if err := validator.New(validator.WithRequiredStructEnabled()).Struct(settings); err != nil {
				return fmt.Errorf("invalid email settings: %w", err)
			}
			if err := store.Save(cmd.Context(), settings); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Email settings saved")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&settings.SmtpServer, "server", "", "SMTP host")
	f.IntVar(&settings.SmtpPort, "port", 587, "SMTP port")
	f.StringVar(&settings.Username, "username", "", "SMTP username")
	f.BoolVar(&settings.UseSsl, "ssl", true, "use TLS (implicit on 465, STARTTLS otherwise)")
	f.StringVar(&settings.FromEmail, "from", "", "sender address")
	f.StringVar(&settings.AdminEmail, "admin", "", "recipient for verification codes and security alerts")
	f.BoolVar(&show, "show", false, "print the saved settings instead of writing")
	pw.register(cmd)
	return cmd
}
