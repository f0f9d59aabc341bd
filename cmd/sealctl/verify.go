package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sealdb/internal/services"
)

func newVerifyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Manage installation verification",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show whether the installation is verified",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				status, err := c.components.VerificationService.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			},
		},
		&cobra.Command{
			Use:   "send-code",
			Short: "Email a new verification code to the admin address",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := c.components.VerificationService.SendCode(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Verification code sent to %s\n", c.components.AdminEmail())
				return nil
			},
		},
		&cobra.Command{
			Use:   "check <code>",
			Short: "Submit a verification code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				err := c.components.VerificationService.Verify(cmd.Context(), args[0])
				if errors.Is(err, services.ErrInvalidCodeOrExpired) {
					return errors.New("invalid verification code or code expired")
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Application verified successfully")
				return nil
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Return the installation to the unverified state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if err := c.components.VerificationService.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Verification status reset successfully")
				return nil
			},
		},
	)
	return cmd
}
