package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tenantcore/internal/credentials"
)

func (c *cli) newCryptoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crypto",
		Short: "Encrypt or decrypt stored database credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "encrypt PLAINTEXT",
			Short: "Print the stored form of a database password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cipher, err := credentials.NewCipher(c.cfg.Crypto.Secret)
				if err != nil {
					return err
				}
				token, err := cipher.Encrypt(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, token)
				return err
			},
		},
		&cobra.Command{
			Use:   "decrypt TOKEN",
			Short: "Print the password behind a stored credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cipher, err := credentials.NewCipher(c.cfg.Crypto.Secret)
				if err != nil {
					return err
				}
				plaintext, err := cipher.Decrypt(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, plaintext)
				return err
			},
		},
	)
	return cmd
}
