package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kernel/vmagent/lib/seed"
	"github.com/spf13/cobra"
)

type seedOptions struct {
	instanceID    string
	hostname      string
	username      string
	password      string
	publicKeyFile string
	mac           string
	address       string
	gateway       string
	dns           []string
	output        string
}

func newSeedCommand(a *app) *cobra.Command {
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Author cloud-init seed images",
	}

	var opts seedOptions
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build a NoCloud seed image",
		Long: `Build a NoCloud seed image (volume label cidata) for one VM.

Static networking is rendered only when --address is given; otherwise the guest uses DHCP.
Exactly one of --password and --public-key-file is required.

Examples:
  vmagentctl seed build --instance-id vm-1 --hostname vm-1 --username ubuntu --password s3cret
  vmagentctl seed build --instance-id vm-2 --hostname web --username ops \
    --public-key-file ~/.ssh/id_ed25519.pub --mac 52:54:00:12:34:56 \
    --address 10.0.0.5/24 --gateway 10.0.0.1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeedBuild(cmd, a, opts)
		},
	}

	f := buildCmd.Flags()
	f.StringVar(&opts.instanceID, "instance-id", "", "Instance id (VM name)")
	f.StringVar(&opts.hostname, "hostname", "", "Guest hostname (defaults to the instance id)")
	f.StringVar(&opts.username, "username", "", "Login user")
	f.StringVar(&opts.password, "password", "", "Login password")
	f.StringVar(&opts.publicKeyFile, "public-key-file", "", "Authorized SSH public key file")
	f.StringVar(&opts.mac, "mac", "", "MAC address of the primary NIC")
	f.StringVar(&opts.address, "address", "", "Static address in CIDR form")
	f.StringVar(&opts.gateway, "gateway", "", "Default gateway")
	f.StringSliceVar(&opts.dns, "dns", nil, "DNS servers")
	f.StringVarP(&opts.output, "output", "o", "", "Output path (default <seed-dir>/<instance-id>-seed.iso)")
	_ = buildCmd.MarkFlagRequired("instance-id")
	_ = buildCmd.MarkFlagRequired("username")

	seedCmd.AddCommand(buildCmd)
	return seedCmd
}

func runSeedBuild(cmd *cobra.Command, a *app, opts seedOptions) error {
	var publicKey string
	if opts.publicKeyFile != "" {
		data, err := os.ReadFile(opts.publicKeyFile)
		if err != nil {
			return fmt.Errorf("read public key: %w", err)
		}
		publicKey = strings.TrimSpace(string(data))
	}
	creds, err := seed.NewCredentials(opts.username, opts.password, publicKey)
	if err != nil {
		return err
	}

	hostname := opts.hostname
	if hostname == "" {
		hostname = opts.instanceID
	}
	spec := seed.Spec{
		Meta:        seed.Meta{InstanceID: opts.instanceID, Hostname: hostname},
		Credentials: creds,
	}
	if opts.address != "" {
		spec.Network = &seed.Networking{
			MACAddress: opts.mac,
			Address:    opts.address,
			Gateway:    opts.gateway,
			DNSServers: opts.dns,
		}
	}

	output := opts.output
	if output == "" {
		output, err = a.paths().SeedISO(opts.instanceID)
		if err != nil {
			return err
		}
	}

	path, err := seed.NewBuilder(a.toolRunner(), "").Build(cmd.Context(), spec, output)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
