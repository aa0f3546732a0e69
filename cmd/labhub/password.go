package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/labhub-core/internal/auth"
	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an operator password read from stdin",
		Long: `Reads one line from stdin and prints its argon2id hash, for
security.operator.password_hash or LABHUB_OPERATOR_PASSWORD_HASH.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hashPassword(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// checkOperator validates the configured operator hash. weak is set when
// the hash should be regenerated with current parameters.
func checkOperator(cfg *config.Config) (weak bool, err error) {
	hash := cfg.Security.Operator.PasswordHash
	if hash == "" {
		return false, nil
	}
	weak, err = auth.NeedsRehash(hash, auth.DefaultParams)
	if err != nil {
		return false, fmt.Errorf("security.operator.password_hash: %w", err)
	}
	return weak, nil
}
