package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/fieldsync/internal/tokenfile"
	"github.com/tonimelisma/fieldsync/internal/transport"
)

func newLoginCmd() *cobra.Command {
	var (
		token    string
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the bearer token for the coordination server",
		Long: `Save the token this device presents to the coordination server. The token
is read from --token or, when omitted, from the first line of stdin, and is
checked against the server before it is saved.

A token set in the config file or FIELDSYNC_TOKEN takes precedence.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogin(cmd, token, !noVerify)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: read from stdin)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "save without contacting the server")

	return cmd
}

func runLogin(cmd *cobra.Command, token string, verify bool) error {
	cfg := resolvedCfg

	if cfg.Client.TokenFile == "" {
		return errors.New("client.token_file is not set")
	}

	if token == "" {
		var err error

		token, err = readTokenLine(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}

	if verify {
		if err := verifyToken(cmd.Context(), tok); err != nil {
			return err
		}
	}

	err := tokenfile.Save(cfg.Client.TokenFile, tokenfile.Credentials{
		Server:  cfg.Client.ServerURL,
		Actor:   actorName(cfg),
		Token:   tok,
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	statusf("Token for %s saved to %s\n", cfg.Client.ServerURL, cfg.Client.TokenFile)

	return nil
}

func readTokenLine(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no token given: use --token or pipe it on stdin")
	}

	return line, nil
}

// verifyToken fetches the review queue, which requires a valid token on
// servers that enforce one.
func verifyToken(ctx context.Context, tok *oauth2.Token) error {
	cfg := *resolvedCfg
	cfg.Client.Token = tok.AccessToken

	client, err := newTransportClient(&cfg, buildLogger())
	if err != nil {
		return err
	}

	if _, err := client.Review(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			return fmt.Errorf("server rejected the token: %w", err)
		}

		return fmt.Errorf("verifying token: %w", err)
	}

	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved bearer token",
		RunE: func(_ *cobra.Command, _ []string) error {
			existed, err := tokenfile.Remove(resolvedCfg.Client.TokenFile)
			if err != nil {
				return err
			}

			if existed {
				statusf("Removed %s\n", resolvedCfg.Client.TokenFile)
			} else {
				statusf("No saved token\n")
			}

			return nil
		},
	}
}
