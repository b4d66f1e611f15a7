package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/dnsmgmt/pkg/client"
	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dnsmgmt",
	Short: "dnsmgmt - DNS record reconciliation for provisioned networks",
	Long: `dnsmgmt keeps DNS records on a remote DNS-management service in line
with the network allocations of provisioned nodes.

DNS name filters decide which allocations get a name and how that name is
rendered. The daemon pushes ADD and REMOVE changes to the service over
mutual TLS as allocations, nodes and filters change.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dnsmgmt version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	defaults := security.DefaultPaths()
	pf := rootCmd.PersistentFlags()
	pf.String("addr", "unix:///var/run/dnsmgmt/api.sock", "Daemon address (unix:///path or host:port)")
	pf.Bool("mtls", false, "Authenticate to the daemon with the TLS bundle")
	pf.String("tls-ca", defaults.CAFile, "CA certificate for --mtls")
	pf.String("tls-cert", defaults.CertFile, "Client certificate for --mtls")
	pf.String("tls-key", defaults.KeyFile, "Client key for --mtls")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(allocationCmd)
	rootCmd.AddCommand(roleCmd)
	rootCmd.AddCommand(attributeCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(resyncCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(lookupCmd)
}

// newClient connects to the daemon named by the persistent flags
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	useMTLS, _ := cmd.Flags().GetBool("mtls")

	if !useMTLS {
		c, err := client.NewClient(addr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to dnsmgmt: %v", err)
		}
		return c, nil
	}

	ca, _ := cmd.Flags().GetString("tls-ca")
	cert, _ := cmd.Flags().GetString("tls-cert")
	key, _ := cmd.Flags().GetString("tls-key")

	c, err := client.NewClientWithMTLS(addr, security.Paths{CAFile: ca, CertFile: cert, KeyFile: key})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to dnsmgmt: %v", err)
	}
	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
