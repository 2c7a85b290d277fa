// Package config provides application configuration management.
//
// The config package loads the application's configuration from an optional
// YAML file overridden by TRACEBOX_-prefixed environment variables, which may
// also come from a .env file, and validates it. It covers the transport, the
// sandbox policy and limits, the analyzer and the job lifecycle.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox backend: %s\n", cfg.Sandbox.Backend)
package config
