/*
Package dns serves a read-only DNS view of the name entries dnsmgmt has
recorded.

The view answers from the local store, not from the DNS-management service,
so an operator can dig a name and see what the daemon believes it published:

	dig @127.0.0.1 -p 5353 node1.example.com A

Answers are authoritative and built from each entry's record type and
published content. A/AAAA/CNAME and any other type known to miekg/dns are
supported; ANY returns everything recorded for the name. Entries whose remote
ADD is still deferred are hidden unless Config.IncludePending is set.

Names with no entry at all get NXDOMAIN, or are relayed to Config.Upstream
when upstream servers are configured. A name that exists with other record
types only gets an empty NOERROR answer.

The view is disabled unless dns_view.listen_addr is set in the daemon
configuration.
*/
package dns
