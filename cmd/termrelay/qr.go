package main

import (
	"github.com/spf13/cobra"

	"termrelay/internal/qr"
)

func qrCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "qr <url>",
		Short: "Print a QR code for a URL, optionally with a pairing code attached",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if code != "" {
				return qr.RenderPairing(cmd.OutOrStdout(), args[0], code)
			}
			return qr.RenderANSI(cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "pairing code to attach to the URL")
	return cmd
}
