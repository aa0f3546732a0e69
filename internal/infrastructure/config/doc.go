// Package config handles loading and validating labhub configuration.
//
// Settings come from three layers, later ones winning: Default, the YAML
// file (unknown keys rejected) and LABHUB_* environment variables.
// Validate reports every problem at once, wrapped in ErrInvalid.
//
// Secrets (JWT secret, operator password hash, broker and Redis passwords)
// should be supplied through the environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Lab.Name)
package config
