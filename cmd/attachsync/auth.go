package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"attachsync/pkg/auth"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Missive API token",
	Long: `Manage the stored Missive API token.

The token is stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variable MISSIVE_API_TOKEN (read only)

Create a token in Missive under Settings > API > Personal access tokens.`,
}

// authSetCmd represents the auth set command
var authSetCmd = &cobra.Command{
	Use:   "set [label]",
	Short: "Store a Missive API token securely",
	Long: `Store a Missive API token in the system keychain or encrypted file.

The token is read from stdin without echoing. An optional label lets you
keep tokens for several Missive workspaces side by side.`,
	Example: `  # Store the default token
  attachsync auth set

  # Store a token for a second workspace
  attachsync auth set support-team`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuthSet,
}

// authShowCmd represents the auth show command
var authShowCmd = &cobra.Command{
	Use:   "show [label]",
	Short: "Show the stored token, masked",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthShow,
}

// authDeleteCmd represents the auth delete command
var authDeleteCmd = &cobra.Command{
	Use:   "delete [label]",
	Short: "Remove a stored token",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuthDelete,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetCmd)
	authCmd.AddCommand(authShowCmd)
	authCmd.AddCommand(authDeleteCmd)
}

func labelArg(args []string) string {
	if len(args) > 0 {
		return strings.TrimSpace(args[0])
	}
	return auth.DefaultLabel
}

func runAuthSet(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize token store: %w", err)
	}
	label := labelArg(args)

	if existing, _ := manager.Retrieve(label); existing != nil {
		fmt.Printf("Token '%s' already exists. Overwrite? (y/N): ", label)
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			return nil
		}
	}

	fmt.Print("Missive API token (input is hidden): ")
	value, err := readSecret()
	if err != nil {
		return fmt.Errorf("failed to read token: %w", err)
	}
	if value == "" {
		return fmt.Errorf("token must not be empty")
	}

	if err := manager.Store(&auth.Token{Label: label, APIToken: value}); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	fmt.Printf("Token stored as '%s' (%s)\n", label, auth.Mask(value))
	return nil
}

func runAuthShow(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize token store: %w", err)
	}
	label := labelArg(args)

	token, err := manager.Retrieve(label)
	if err != nil {
		return fmt.Errorf("no token stored as '%s'", label)
	}

	fmt.Printf("Label: %s\n", token.Label)
	fmt.Printf("Token: %s\n", auth.Mask(token.APIToken))
	if !token.LastModified.IsZero() {
		fmt.Printf("Last Modified: %s\n", token.LastModified.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runAuthDelete(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("failed to initialize token store: %w", err)
	}
	label := labelArg(args)

	if err := manager.Delete(label); err != nil {
		return fmt.Errorf("failed to delete token '%s': %w", label, err)
	}
	fmt.Printf("Token '%s' removed\n", label)
	return nil
}

// readSecret reads a value from stdin without echoing
func readSecret() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(secret)), nil
		}
	}

	// Fallback for piped input
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
