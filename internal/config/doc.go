// Package config handles configuration loading for imagesmith.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	instances:
//	  - url: "https://comfy.example.com"
//	    api_key: "${COMFY_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	comfyui:
//	  connect_timeout: "10s"
//	  dispatch_timeout: "2m"
//
// # Configuration Sections
//
// Backend instances and balancing:
//
//	comfyui:
//	  instances:
//	    - url: "http://127.0.0.1:8188"
//	      weight: 2            # relative capacity, default 1
//	      timeout: "15m"       # idle window before the instance is timed out
//	      api_key: ""          # bearer auth; wins over username/password
//	      username: ""
//	      password: ""
//	      ssl_verify: true
//	      ssl_cert: ""         # optional CA bundle path
//	  load_balancer:
//	    strategy: "LEAST_BUSY" # LEAST_BUSY, ROUND_ROBIN, RANDOM
//	  connect_timeout: "10s"
//	  dispatch_timeout: "2m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Error detail:
//
//	errors:
//	  verbose: false  # raw error text in failure events when true
package config
