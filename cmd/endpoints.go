package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaus98/aigateway/pkg/config"
	"github.com/kaus98/aigateway/pkg/registry"
)

func endpointStore(configPath string) (*registry.Store, error) {
	cfg, err := config.LoadOrCreateServerConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	return registry.NewStore(cfg.GatewayConfigPath()), nil
}

func opt(s string) registry.OptString {
	if s == "" {
		return registry.OptString{}
	}
	return registry.OptString{Present: true, Value: s}
}

func init() {
	var configPath string

	endpointsCmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Manage registered upstream endpoints",
	}
	endpointsCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := endpointStore(configPath)
			if err != nil {
				return err
			}
			endpoints, currentID := store.List()
			if len(endpoints) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no endpoints configured")
				return nil
			}
			for _, ep := range endpoints {
				marker := " "
				if ep.ID == currentID {
					marker = "*"
				}
				key := "no key"
				if ep.HasKey {
					key = "key set"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-20s %-12s %s (%s)\n", marker, ep.Name, ep.ID, ep.BaseURL, key)
			}
			return nil
		},
	}

	var addReq struct {
		id, name, baseURL, authType, apiKey, tokenURL, clientID, clientSecret, scope string
	}
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := endpointStore(configPath)
			if err != nil {
				return err
			}
			ep, _, err := store.Upsert(registry.UpsertRequest{
				ID:           addReq.id,
				Name:         addReq.name,
				BaseURL:      addReq.baseURL,
				AuthType:     addReq.authType,
				APIKey:       opt(addReq.apiKey),
				TokenURL:     opt(addReq.tokenURL),
				ClientID:     opt(addReq.clientID),
				ClientSecret: opt(addReq.clientSecret),
				Scope:        opt(addReq.scope),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved endpoint %s (%s)\n", ep.Name, ep.ID)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addReq.id, "id", "", "Endpoint id (empty creates a new one)")
	addCmd.Flags().StringVar(&addReq.name, "name", "", "Endpoint name")
	addCmd.Flags().StringVar(&addReq.baseURL, "base-url", "", "OpenAI-compatible base URL")
	addCmd.Flags().StringVar(&addReq.authType, "auth-type", "api-key", "Auth type (api-key or oauth2)")
	addCmd.Flags().StringVar(&addReq.apiKey, "api-key", "", "API key")
	addCmd.Flags().StringVar(&addReq.tokenURL, "token-url", "", "OAuth2 token URL")
	addCmd.Flags().StringVar(&addReq.clientID, "client-id", "", "OAuth2 client id")
	addCmd.Flags().StringVar(&addReq.clientSecret, "client-secret", "", "OAuth2 client secret")
	addCmd.Flags().StringVar(&addReq.scope, "scope", "", "OAuth2 scope")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := endpointStore(configPath)
			if err != nil {
				return err
			}
			return store.Delete(args[0])
		},
	}

	selectCmd := &cobra.Command{
		Use:   "select <id>",
		Short: "Set the current endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := endpointStore(configPath)
			if err != nil {
				return err
			}
			return store.SelectCurrent(args[0])
		},
	}

	endpointsCmd.AddCommand(listCmd, addCmd, removeCmd, selectCmd)
	rootCmd.AddCommand(endpointsCmd)
}
