package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gatewardenctl",
		Short:         "Operator utility for gatewarden keys, tokens and gateways",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newKeysCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newGatewayCommand())
	return cmd
}

// secretFrom resolves a secret from a file flag, falling back to an env var.
func secretFrom(path, env string) (string, error) {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("pass a key file or set %s", env)
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
