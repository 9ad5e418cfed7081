package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/21st-dev/magic/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configShowCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage persisted configuration",
}

// configSetKeyCmd stores the API key in ~/.magic/config.yaml with 0600
// permissions. Input is read without echo on a terminal.
var configSetKeyCmd = &cobra.Command{
	Use:   "set-key",
	Short: "Store the 21st.dev API key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := readAPIKey()
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("empty API key")
		}

		dir, err := config.Dir()
		if err != nil {
			return err
		}
		fc, err := config.LoadFile(dir)
		if err != nil {
			return err
		}
		fc.APIKey = key
		if err := config.SaveFile(dir, fc); err != nil {
			return err
		}

		fmt.Println("API key saved")
		return nil
	},
}

func readAPIKey() (string, error) {
	fmt.Print("Enter API key: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading API key: %w", err)
		}
		return strings.TrimSpace(string(keyBytes)), nil
	}
	// Piped input.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// configShowCmd prints the effective configuration with the key masked.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := resolveConfig()

		fmt.Printf("api_url:        %s\n", cfg.APIBaseURL)
		fmt.Printf("api_key:        %s\n", maskKey(cfg.APIKey))
		fmt.Printf("api_timeout:    %s\n", cfg.APITimeout)
		fmt.Printf("cache_ttl:      %s\n", cfg.CacheTTL)
		fmt.Printf("max_body_size:  %d\n", cfg.MaxBodySize)
		fmt.Printf("log_level:      %s\n", cfg.LogLevel)
		return nil
	},
}

// maskKey shows at most the last 4 characters of the key.
func maskKey(key string) string {
	switch {
	case key == "":
		return "(not set)"
	case len(key) <= 8:
		return strings.Repeat("*", len(key))
	default:
		return "****" + key[len(key)-4:]
	}
}
