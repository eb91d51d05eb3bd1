// Package config handles loading and validating the replay bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - The device password, MQTT credentials and JWT secret should be set
//     via environment variables (GRAYLOGIC_DEVICE_PASSWORD and friends)
//   - The config file should have restricted permissions (0600)
//   - An empty JWT secret leaves the command endpoint open; set one on
//     any network that is not isolated
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Device.Host)
package config
