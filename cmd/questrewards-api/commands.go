package main

import (
	"crypto/rand"
	"fmt"

	"github.com/MarcoPoloResearchLab/questrewards/internal/auth"
	"github.com/MarcoPoloResearchLab/questrewards/internal/config"
	"github.com/MarcoPoloResearchLab/questrewards/internal/stark"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newTokenCommand mints a caller token for a collaborator service.
func newTokenCommand() *cobra.Command {
	var (
		caller string
		scopes []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a caller token for a collaborator service",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadAuth(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueCallerToken(cmd.Context(), caller, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "Collaborator name recorded as the token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", auth.KnownScopes(), "Granted scopes")
	_ = cmd.MarkFlagRequired("caller")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a voucher signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, err := stark.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			signer, err := stark.NewSigner(privateKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private_key=%s\npublic_key=%s\n", privateKey, signer.PublicKey().Hex())
			return nil
		},
	}
}
