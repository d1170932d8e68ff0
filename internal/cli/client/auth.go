package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// AuthCmd groups the commands that manage the saved server address.
func AuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the server address and API key",
		Long:  "Login, logout, and check which server the docchat CLI talks to",
	}

	cmd.AddCommand(AuthLoginCmd())
	cmd.AddCommand(AuthLogoutCmd())
	cmd.AddCommand(AuthStatusCmd())

	return cmd
}

func AuthLoginCmd() *cobra.Command {
	var (
		apiKey   string
		apiURL   string
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store server URL and API key",
		Long: `Store the API URL and optional API key in the global config
(~/.config/docchat/config.yaml, or $DOCCHAT_CONFIG). The server's /health
endpoint is checked first unless --no-verify is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(cmd.OutOrStdout(), apiKey, apiURL, !noVerify)
		},
	}

	cmd.Flags().StringVar(&apiKey, "key", "", "API key, if the server requires one")
	cmd.Flags().StringVar(&apiURL, "url", defaultAPIURL, "API URL")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Save without contacting the server")

	return cmd
}

func AuthLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(cmd.OutOrStdout())
		},
	}
}

func AuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the resolved server and key",
		Long:  "Display where the API URL and key come from",
		RunE: func(cmd *cobra.Command, args []string) error {
			outputJSON, _ := cmd.Flags().GetBool("output")
			flagKey, _ := cmd.Flags().GetString("api-key")
			flagURL, _ := cmd.Flags().GetString("api-url")
			return runAuthStatus(cmd.OutOrStdout(), flagKey, flagURL, outputJSON)
		},
	}
}

func normalizeAPIURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid API URL %q: expected http(s)://host[:port]", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func runAuthLogin(out io.Writer, apiKey, apiURL string, verify bool) error {
	normalized, err := normalizeAPIURL(apiURL)
	if err != nil {
		return err
	}

	if verify {
		if _, err := NewAPIClientWithConfig(apiKey, normalized).Get("/health"); err != nil {
			return fmt.Errorf("server at %s is not reachable (use --no-verify to save anyway): %w", normalized, err)
		}
	}

	if err := SaveGlobalConfig(&GlobalConfig{APIKey: apiKey, APIURL: normalized}); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Fprintf(out, "Logged in to %s\n", normalized)
	return nil
}

func runAuthLogout(out io.Writer) error {
	if err := DeleteGlobalConfig(); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	fmt.Fprintln(out, "Logged out")
	return nil
}

// authStatus is the --output form of "auth status".
type authStatus struct {
	Source string `json:"source"`
	APIURL string `json:"api_url"`
	HasKey bool   `json:"has_key"`
	APIKey string `json:"api_key,omitempty"`
	Config string `json:"config_file,omitempty"`
	Issue  string `json:"config_error,omitempty"`
}

func runAuthStatus(out io.Writer, flagKey, flagURL string, outputJSON bool) error {
	source, apiKey, apiURL := GetCredentialSource(flagKey, flagURL)

	status := authStatus{Source: string(source), APIURL: apiURL, HasKey: apiKey != ""}
	if apiKey != "" {
		status.APIKey = maskAPIKey(apiKey)
	}
	if path, err := GetConfigPath(); err == nil {
		status.Config = path
	}
	// A broken config file silently falls through to the default; say so.
	if _, err := LoadGlobalConfig(); err != nil {
		status.Issue = err.Error()
	}

	if outputJSON {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Source: %s\n", status.Source)
	fmt.Fprintf(out, "API URL: %s\n", status.APIURL)
	if status.APIKey == "" {
		fmt.Fprintln(out, "API Key: (none)")
	} else {
		fmt.Fprintf(out, "API Key: %s\n", status.APIKey)
	}
	if status.Config != "" {
		fmt.Fprintf(out, "Config: %s\n", status.Config)
	}
	if status.Issue != "" {
		fmt.Fprintf(out, "Warning: config file is unreadable: %s\n", status.Issue)
	}
	return nil
}

func maskAPIKey(key string) string {
	if len(key) < 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
