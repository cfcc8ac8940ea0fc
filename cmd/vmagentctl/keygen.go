package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kernel/vmagent/lib/signer"
	"github.com/spf13/cobra"
)

func newKeygenCommand(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the agent's Ed25519 signing key",
		Long: `Generate a new Ed25519 signing key and write it to --key.

The PKIX public key is written next to it with a .pub suffix and printed, so it can be
registered with the image catalog.

Examples:
  vmagentctl keygen --key /etc/agent/agent_private.pem
  vmagentctl keygen --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, a, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing key")
	return cmd
}

func runKeygen(cmd *cobra.Command, a *app, force bool) error {
	keyPath := a.cfg.AgentPrivateKey
	if _, err := os.Stat(keyPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", keyPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", keyPath, err)
	}

	s, err := signer.Generate(a.cfg.AgentID)
	if err != nil {
		return err
	}
	priv, err := s.PrivateKeyPEM()
	if err != nil {
		return err
	}
	pub, err := s.PublicKeyPEM()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", pub, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	authorized, err := s.AuthorizedKey()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wrote %s\n", keyPath)
	fmt.Fprintf(out, "agent id: %s\n", s.AgentID())
	fmt.Fprintf(out, "%s", pub)
	fmt.Fprint(out, authorized)
	return nil
}
