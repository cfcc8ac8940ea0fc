package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/c2h5oh/datasize"
	"github.com/kernel/vmagent/lib/images"
	"github.com/spf13/cobra"
)

func newImagesCommand(a *app) *cobra.Command {
	imagesCmd := &cobra.Command{
		Use:   "images",
		Short: "Manage the base image cache",
	}

	var checksum string
	ensureCmd := &cobra.Command{
		Use:   "ensure <name> <url>",
		Short: "Download a base image into the cache unless already present",
		Long: `Download a base image from the catalog into the cache. Requests are signed with the
agent key. An existing cached image is returned as is.

Examples:
  vmagentctl images ensure ubuntu-22.04 https://catalog.example/images/ubuntu-22.04.qcow2
  vmagentctl images ensure debian-12 https://catalog.example/images/debian-12.qcow2 --checksum sha256:ab12...`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.imageManager()
			if err != nil {
				return err
			}
			img, err := m.EnsureImage(cmd.Context(), images.EnsureRequest{Name: args[0], URL: args[1], Checksum: checksum})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(img)
		},
	}
	ensureCmd.Flags().StringVar(&checksum, "checksum", "", "Expected sha256 of the image")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List cached base images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.imageManager()
			if err != nil {
				return err
			}
			imgs, err := m.ListImages(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATUS\tSIZE\tMODIFIED")
			for _, img := range imgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					img.Name, img.Status, datasize.ByteSize(img.SizeBytes).HR(), img.ModifiedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}

	rmCmd := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Remove a cached base image",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.imageManager()
			if err != nil {
				return err
			}
			if err := m.DeleteImage(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	imagesCmd.AddCommand(ensureCmd, listCmd, rmCmd)
	return imagesCmd
}
