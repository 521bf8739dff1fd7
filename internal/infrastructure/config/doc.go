// Package config handles loading and validating the shotline engine
// configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields, including the apparatus map
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, the operator key) should be set
//     via environment variables
//   - The config file should have restricted permissions (0600)
//   - Auth secrets must be changed from defaults before production use
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Database.Path)
package config
