// Package config loads the Open Peer Power configuration file.
//
// Values are resolved in three layers: built-in defaults, then
// configs/config.yaml, then OPP_* environment variables. Validate runs
// last and reports every problem it finds in a single error.
//
// Only the core section reaches the runtime (converted to core.Config by
// the entry point); everything else configures the hosting process: HTTP
// listener, database, authentication and the optional integrations.
//
// Secrets such as security.jwt.secret, security.api_password and broker
// credentials belong in the environment rather than the file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	opp := core.New(core.Config{LocationName: cfg.Core.Name})
package config
