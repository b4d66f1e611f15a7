/*
Package health probes the DNS-management endpoints published in the service
directory.

A Monitor lists the endpoints on every round, builds a Checker for each one
through a CheckerFactory and folds the result into a per-endpoint Status. An
endpoint is reported down only after Config.Retries consecutive failures and
comes back on the first success.

Two probes exist:

  - HTTPChecker sends a HEAD to the endpoint's base URL. It is used in
    production with the same mutual-TLS client the record updates use, and any
    status below 500 counts as up.
  - TCPChecker dials the URL's host:port. It is used when no TLS client is
    configured.

After each round the monitor sets dnsmgmt_service_endpoint_up{name,url} and
reports the "directory" component healthy while at least one endpoint is up.
Endpoints that disappear from the directory are dropped from both.

	m := health.NewMonitor(dir, health.NewCheckerFactory(httpClient, 5*time.Second), health.Config{
		Interval: 30 * time.Second,
		Retries:  3,
	})
	m.Start(ctx)
	defer m.Stop()
*/
package health
