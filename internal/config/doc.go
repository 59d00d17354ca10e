// Package config provides configuration management for edubuddy.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. The file lives at ~/.edubuddy/config.yaml and is
// created with defaults on first use.
//
// # Environment Variables
//
// Every value can be overridden with an EDUBUDDY_ prefixed variable. Nested
// fields are separated by underscores:
//   - EDUBUDDY_LLM_DEFAULT_PROVIDER=openai
//   - EDUBUDDY_LLM_PROVIDERS_OPENAI_API_KEY=sk-...
//   - EDUBUDDY_LOGGING_LEVEL=debug
//   - EDUBUDDY_STORE_DRIVER=memory
//
// # Hot Reload
//
// A Watcher re-reads the file on change. The serve command applies safety
// rules and specialist base configs from a reload; router keyword tables
// and listener settings require a restart.
//
//	cfg, err := config.LoadFromPath(path)
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	w := config.NewWatcher(path, cfg, func(next *config.Config) {
//	    gate.UpdateRules(next.Safety.Rules)
//	}, logger)
//	w.Start()
package config
