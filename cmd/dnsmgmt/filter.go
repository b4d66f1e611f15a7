package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/dnsmgmt/pkg/config"
	"github.com/spf13/cobra"
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage DNS name filters",
}

var filterApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply DNS name filters from a YAML file",
	Long: `Apply DNS name filters from a YAML file.

Examples:
  # Upsert the filters in filters.yaml
  dnsmgmt filter apply -f filters.yaml --addr dns-mgmt:9191 --mtls

  # Make the stored filters exactly the ones in the file
  dnsmgmt filter apply -f filters.yaml --prune`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		prune, _ := cmd.Flags().GetBool("prune")

		filters, err := config.LoadFilters(filename)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.ApplyFilters(context.Background(), filters, prune)
		if err != nil {
			return fmt.Errorf("failed to apply filters: %v", err)
		}

		for _, id := range resp.Applied {
			fmt.Printf("✓ Filter applied: %s\n", id)
		}
		for _, id := range resp.Removed {
			fmt.Printf("✓ Filter removed: %s\n", id)
		}
		return nil
	},
}

var filterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DNS name filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		filters, err := c.ListFilters(context.Background())
		if err != nil {
			return fmt.Errorf("failed to list filters: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPRIORITY\tSERVICE\tTYPE\tTEMPLATE")
		for _, f := range filters {
			rrType := f.RRType
			if rrType == "" {
				rrType = "auto"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", f.ID, f.Priority, f.Service, rrType, f.Template)
		}
		return w.Flush()
	},
}

var filterDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a DNS name filter and the records it claimed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DeleteFilter(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to delete filter: %v", err)
		}
		fmt.Printf("✓ Filter deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	filterCmd.AddCommand(filterApplyCmd)
	filterCmd.AddCommand(filterListCmd)
	filterCmd.AddCommand(filterDeleteCmd)

	filterApplyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	filterApplyCmd.Flags().Bool("prune", false, "Delete stored filters missing from the file")
	_ = filterApplyCmd.MarkFlagRequired("file")
}
