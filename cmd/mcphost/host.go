package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/TangGee/go-mcphost"
	"github.com/TangGee/go-mcphost/internal/config"
	"github.com/TangGee/go-mcphost/servicemanager"
	"github.com/spf13/cobra"
)

var flagCallArgs string

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the reachable providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := newHost()
		defer host.Shutdown(cmd.Context())

		servers, err := host.ListServers(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tNAME\tVERSION\tCAPABILITIES\tADDRESS")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s://%s\n",
				s.ProviderID, s.ServerInfo.Name, s.ServerInfo.Version,
				len(s.Capabilities), s.Endpoint.Network, s.Endpoint.Address)
		}
		return w.Flush()
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of every reachable provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host := newHost()
		defer host.Shutdown(cmd.Context())

		tools, err := host.ListTools(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tTOOL\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.ProviderID, t.Name, t.Description)
		}
		return w.Flush()
	},
}

var callCmd = &cobra.Command{
	Use:   "call <provider> <tool>",
	Short: "Call a provider's tool and print its JSON result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var toolArgs map[string]any
		if flagCallArgs != "" {
			if err := json.Unmarshal([]byte(flagCallArgs), &toolArgs); err != nil {
				return fmt.Errorf("invalid --args: %w", err)
			}
		}

		host := newHost()
		defer host.Shutdown(cmd.Context())

		result, err := host.CallTool(cmd.Context(), args[0], args[1], toolArgs)
		if err != nil {
			return err
		}

		var out any
		if err := json.Unmarshal(result, &out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(serversCmd, toolsCmd, callCmd)
	callCmd.Flags().StringVar(&flagCallArgs, "args", "", `Tool arguments as a JSON object, e.g. '{"location":"Paris"}'`)
}

// newHost builds a Host from the loaded configuration.
func newHost() *mcp.Host {
	var locator mcp.ServiceLocator
	switch cfg.Discovery.Mode {
	case config.DiscoveryManifest:
		locator = mcp.NewDirLocator(cfg.Discovery.ManifestDir,
			mcp.WithDirLocatorContract(cfg.Discovery.Contract),
			mcp.WithDirLocatorResyncInterval(cfg.Discovery.PollInterval),
			mcp.WithDirLocatorLogger(logger))
	default:
		locator = servicemanager.NewClient(cfg.Discovery.ManagerURL, nil,
			servicemanager.WithClientContract(cfg.Discovery.Contract),
			servicemanager.WithClientLogger(logger))
	}

	binder := mcp.NewSocketBinder(mcp.WithSocketBinderLogger(logger))
	registry := mcp.NewRegistry(locator, binder,
		mcp.WithRegistryProbeTimeout(cfg.Host.ProbeTimeout),
		mcp.WithRegistryProbeConcurrency(cfg.Host.ProbeConcurrency),
		mcp.WithRegistryConnectionOptions(
			mcp.WithConnectionCallTimeout(cfg.Host.CallTimeout),
			mcp.WithConnectionLogger(logger),
			mcp.WithConnectionChannelOptions(mcp.WithClientChannelLogger(logger)),
			mcp.WithConnectionClientOptions(mcp.WithClientLogger(logger)),
		),
		mcp.WithRegistryLogger(logger))

	return mcp.NewHost(registry, mcp.WithHostLogger(logger))
}
