package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dermesser/clusterinvoke/transport"
)

func newKeygenCmd() *cobra.Command {
	var pubfile, privfile string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a CURVE key pair for the zmq transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "Generating key pair...")
			keys, err := transport.NewKeyPair()
			if err != nil {
				return err
			}
			if err := keys.Write(pubfile, privfile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public key written to %s, secret key to %s\n", pubfile, privfile)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubfile, "pub", "publickey.txt", "file to write the public key to")
	cmd.Flags().StringVar(&privfile, "priv", "privatekey.txt", "file to write the secret key to")
	return cmd
}
