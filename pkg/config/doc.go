// Package config provides the catalog's configuration surface.
//
// Configuration is loaded with Load, which reads a YAML file (if given),
// overlays RUNCAT_-prefixed environment variables through viper, applies
// defaults, and validates the result:
//
//	cfg, err := config.Load("catalog.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Setting RUNCAT_STORE_URI in the environment overrides store_uri from the
// file without editing it, which is how deployments inject per-environment
// secrets without checking them into a config file.
//
// Save writes a Config back out as YAML, used to record the effective
// configuration a process started with.
package config
