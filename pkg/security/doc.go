/*
Package security loads and issues the TLS material used for mutual TLS.

The DNS update client and the management API both authenticate with a
CA certificate plus a certificate/key pair. In a provisioning deployment
these live at well-known paths:

	/var/run/rebar/ca.pem
	/var/run/rebar/server.crt
	/var/run/rebar/server.key

ClientTLSConfig and ServerTLSConfig build tls.Config values from those
files. Peer verification is never disabled and TLS 1.2 is the minimum
protocol version.

CertAuthority is a small ECDSA CA for development and tests. It issues a
certificate usable for both client and server auth and can write the same
three-file bundle that production expects:

	ca, _ := security.NewCertAuthority("dnsmgmt-dev-ca")
	cert, _ := ca.Issue("localhost", []string{"localhost"}, nil)
	_ = ca.WriteBundle(security.PathsInDir(dir), cert)
*/
package security
