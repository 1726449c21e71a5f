// Package config handles loading and validating irrigation core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (IRRIGATION_*)
//   - Validation of required fields, collecting every problem at once
//   - Default value handling, including the realtime path layout
//
// Security Considerations:
//   - Broker passwords and the JWT secret should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Realtime.Paths.Sensors)
package config
