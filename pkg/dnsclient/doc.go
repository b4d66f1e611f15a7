/*
Package dnsclient sends DNS record changes to the DNS-management service.

A change is addressed by logical service name. Update resolves the name
through a Resolver (normally the service directory) and issues

	PATCH {endpoint}/zones/{zone}
	{"tenant_id":3,"changetype":"ADD","name":"host1","content":"10.0.0.5","type":"A"}

over mutual TLS, with the X-Authenticated-Username and
X-Authenticated-Capability headers identifying the system principal.

Outcomes:

  - service not published: ErrNotFound, no request is made
  - Config.Production unset: nil, no request is made
  - 2xx: nil
  - transport error, timeout, 429 or 5xx: retried with capped exponential
    backoff, then a *RemoteUpdateError
  - any other status: a *RemoteUpdateError without retry

Every *RemoteUpdateError matches ErrRemoteUpdate with errors.Is.
*/
package dnsclient
