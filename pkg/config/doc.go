// Package config loads the halfspace tool configuration.
//
// Configuration is a YAML file with one section per concern:
//
//	engine:
//	  workers: 4        # concurrent block evaluations; 1 evaluates in order
//	  max_steps: 0      # Starlark step limit per script, 0 for none
//	logging:
//	  level: info
//	  format: console   # or json
//	metrics:
//	  enabled: false
//	  address: ":9090"
//	tracing:
//	  enabled: false
//	  exporter: stdout  # otlp, stdout or none
//	  endpoint: ""
//	  sample_rate: 1.0
//	store:
//	  path: halfspace.db
//	policies:
//	  paths: []
//
// Missing sections and fields keep their defaults. The loaded file is
// checked with validator tags before use.
package config
