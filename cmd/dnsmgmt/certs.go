package main

import (
	"fmt"
	"net"
	"sort"

	"github.com/cuemby/dnsmgmt/pkg/security"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage TLS certificates",
}

var certsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a development CA and certificate bundle",
	Long: `Create a self-signed CA and a certificate usable for both client and
server auth, written as ca.pem, server.crt and server.key.

Production deployments receive this bundle from the provisioning system
at /var/run/rebar; use this command for development and testing only.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		cn, _ := cmd.Flags().GetString("cn")
		hosts, _ := cmd.Flags().GetStringSlice("host")
		force, _ := cmd.Flags().GetBool("force")

		paths := security.PathsInDir(dir)
		if security.CertExists(paths) && !force {
			return fmt.Errorf("certificate bundle already exists in %s (use --force to replace it)", dir)
		}

		var dnsNames []string
		var ips []net.IP
		for _, h := range hosts {
			if ip := net.ParseIP(h); ip != nil {
				ips = append(ips, ip)
			} else {
				dnsNames = append(dnsNames, h)
			}
		}

		ca, err := security.NewCertAuthority("dnsmgmt-dev-ca")
		if err != nil {
			return fmt.Errorf("failed to create CA: %v", err)
		}
		cert, err := ca.Issue(cn, dnsNames, ips)
		if err != nil {
			return fmt.Errorf("failed to issue certificate: %v", err)
		}
		if err := ca.WriteBundle(paths, cert); err != nil {
			return err
		}

		fmt.Printf("✓ Certificate bundle written to %s\n", dir)
		fmt.Printf("  CA:          %s\n", paths.CAFile)
		fmt.Printf("  Certificate: %s\n", paths.CertFile)
		fmt.Printf("  Key:         %s\n", paths.KeyFile)
		return nil
	},
}

var certsInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the certificate bundle in a directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		paths := security.PathsInDir(dir)

		cert, err := security.LoadKeyPair(paths.CertFile, paths.KeyFile)
		if err != nil {
			return err
		}
		ca, err := security.LoadCACert(paths.CAFile)
		if err != nil {
			return err
		}

		info := security.GetCertInfo(cert.Leaf)
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-16s %v\n", k+":", info[k])
		}

		if security.CertNeedsRotation(cert.Leaf) {
			fmt.Println("⚠ Certificate expires within 30 days, rotate it")
		}
		if err := security.ValidateCertChain(cert.Leaf, ca); err != nil {
			fmt.Printf("✗ Chain: %v\n", err)
			return nil
		}
		fmt.Println("✓ Chain verifies against CA")
		return nil
	},
}

func init() {
	certsCmd.AddCommand(certsInitCmd)
	certsCmd.AddCommand(certsInfoCmd)

	certsInitCmd.Flags().String("dir", security.DefaultCertDir, "Output directory")
	certsInitCmd.Flags().String("cn", "localhost", "Certificate common name")
	certsInitCmd.Flags().StringSlice("host", []string{"localhost", "127.0.0.1"}, "DNS names and IPs to include (repeatable)")
	certsInitCmd.Flags().Bool("force", false, "Overwrite an existing bundle")

	certsInfoCmd.Flags().String("dir", security.DefaultCertDir, "Bundle directory")
}
