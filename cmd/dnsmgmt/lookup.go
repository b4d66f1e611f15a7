package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup NAME",
	Short: "Query the daemon's DNS entry view",
	Long: `Query the read-only DNS view the daemon serves when dns_view.listen_addr
is set. The answer shows what dnsmgmt has recorded for NAME, not what the
DNS-management service currently holds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		rrType, _ := cmd.Flags().GetString("type")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		qtype, ok := dns.StringToType[strings.ToUpper(rrType)]
		if !ok {
			return fmt.Errorf("unknown record type %q", rrType)
		}

		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(args[0]), qtype)
		resp, rtt, err := (&dns.Client{Net: "udp", Timeout: timeout}).Exchange(m, server)
		if err != nil {
			return fmt.Errorf("query %s: %v", server, err)
		}

		fmt.Printf("%s from %s in %s\n", dns.RcodeToString[resp.Rcode], server, rtt.Round(time.Microsecond))
		if len(resp.Answer) == 0 {
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTTL\tTYPE\tDATA")
		for _, rr := range resp.Answer {
			h := rr.Header()
			data := strings.TrimPrefix(rr.String(), h.String())
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", h.Name, h.Ttl, dns.TypeToString[h.Rrtype], data)
		}
		return w.Flush()
	},
}

func init() {
	lookupCmd.Flags().String("server", "127.0.0.1:5353", "DNS view address")
	lookupCmd.Flags().StringP("type", "t", "A", "Record type to query")
	lookupCmd.Flags().Duration("timeout", 2*time.Second, "Query timeout")
}
