/*
Package config loads the dnsmgmt daemon configuration.

Settings come from three layers, later ones winning: built-in defaults, an
optional YAML file and DNSMGMT_* environment variables. The result is
checked with struct tags before use and every invalid field is reported.

	environment: production
	tls:
	  ca_file: /var/run/rebar/ca.pem
	  cert_file: /var/run/rebar/server.crt
	  key_file: /var/run/rebar/server.key
	dns:
	  principal: system
	  request_timeout: 10s
	  retry:
	    max_retries: 3
	    base_delay: 500ms
	    max_delay: 5s
	  rate_limit:
	    requests_per_second: 20
	    burst: 5
	dns_view:
	  listen_addr: 127.0.0.1:5353
	probe:
	  interval: 30s
	  retries: 3

Remote DNS updates are only sent when environment is production. The
management API listens on api_addr, with mutual TLS when api_tls is set,
and on local_socket in read-only mode. Production and api_tls both require
all three TLS paths. The DNS entry view stays off until dns_view.listen_addr
is set, and a probe interval of 0 turns the endpoint monitor off.

LoadFilters reads the filter document used by "dnsmgmt filter apply":

	filters:
	  - id: admin-v4
	    service: system
	    template: "{{node.short_name}}.admin.example.com"
	    selector:
	      networks: [admin]
	      family: 4
*/
package config
