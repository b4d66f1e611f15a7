/*
Package client provides a Go client for the dnsmgmt management API.

The daemon exposes two listeners. The API address accepts every call and,
when api_tls is enabled, requires a client certificate signed by the
deployment CA. The local unix socket needs no credentials but rejects
anything that is not a List, Get, Watch or health call.

	// Read-only access over the local socket
	c, err := client.NewClient("unix:///var/run/dnsmgmt/api.sock", nil)

	// Full access with mutual TLS
	c, err := client.NewClientWithMTLS("dns-mgmt.example:9191", security.DefaultPaths())

Calls without a deadline are bounded by DefaultTimeout. ActivateService
waits for the service transition on the daemon side, so callers should pass
a context that outlives the configured transition timeout.

WatchEvents streams reconciler events until the context is cancelled:

	err := c.WatchEvents(ctx, nil, func(e *events.Event) error {
		fmt.Println(e.Type, e.Message)
		return nil
	})
*/
package client
