package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"sealdb/internal/database"
)

func newDBCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the encrypted database file",
	}
	cmd.AddCommand(
		newDBEnsureCmd(c),
		newDBDecryptCmd(c),
		newDBEncryptCmd(c),
		newDBIntegrityCmd(c),
	)
	return cmd
}

func newDBEnsureCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create, migrate or encrypt the database, then apply schema and seed data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lc := c.components.Lifecycle
			if err := lc.Initialize(cmd.Context()); err != nil {
				return err
			}
			version, err := database.SchemaVersion(cmd.Context(), lc.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database ready: %s (schema version %d)\n", lc.Path(), version)
			return nil
		},
	}
}

func newDBDecryptCmd(c *cli) *cobra.Command {
	var pw passwordFlags
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Export the live database to a plaintext copy",
		Long: `Export the live database to a plaintext copy in the Temp directory.

When a password has been set it must be supplied; it is only checked, the
export always uses the machine key the live file is sealed with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := pw.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			resp, err := c.components.DatabaseService.Decrypt(cmd.Context(), password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
	pw.register(cmd)
	return cmd
}

func newDBEncryptCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <plain.db>",
		Short: "Encrypt a plaintext database with the machine key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !strings.EqualFold(filepath.Ext(args[0]), ".db") {
				return errors.New("the database file must have a .db extension")
			}
			resp, err := c.components.DatabaseService.Encrypt(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newDBIntegrityCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Run PRAGMA integrity_check on the live database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := c.components.DatabaseService.Integrity(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Success {
				return errors.New(resp.Message)
			}
			return nil
		},
	}
}
