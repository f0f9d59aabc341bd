package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var errPasswordRequired = errors.New("a password is required; pass --password or --password-stdin")

type passwordFlags struct {
	value string
	stdin bool
}

func (p *passwordFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.value, "password", "", "password value (visible in process listings)")
	cmd.Flags().BoolVar(&p.stdin, "password-stdin", false, "read the password from the first line of stdin")
}

// read returns the password, or "" when neither flag was given
func (p *passwordFlags) read(in io.Reader) (string, error) {
	if !p.stdin {
		return p.value, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newKeyCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect and protect the machine-bound database key",
	}
	cmd.AddCommand(newKeyStatusCmd(c), newKeySetPasswordCmd(c), newKeyCheckPasswordCmd(c))
	return cmd
}

func newKeyStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which key stores are populated and whether a password is set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), c.components.Keys.Status(cmd.Context()))
		},
	}
}

func newKeySetPasswordCmd(c *cli) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set the password mixed into the database key",
		Long: `Set the password mixed into the database key.

The live database stays encrypted with the key it was created with. Use
"db decrypt" and "db encrypt" to move data to a password-protected copy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := pw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if strings.TrimSpace(password) == "" {
				return errPasswordRequired
			}
			if err := c.components.DatabaseService.SetPassword(cmd.Context(), password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password updated")
			return nil
		},
	}
	pw.register(cmd)
	return cmd
}

func newKeyCheckPasswordCmd(c *cli) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "check-password",
		Short: "Check a password against the stored verification hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := pw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if strings.TrimSpace(password) == "" {
				return errPasswordRequired
			}
			ok, err := c.components.DatabaseService.CheckPassword(cmd.Context(), password)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("password is not valid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password is valid")
			return nil
		},
	}
	pw.register(cmd)
	return cmd
}
