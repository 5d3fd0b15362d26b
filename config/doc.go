// Package config loads espflow client configuration.
//
// A configuration file may be JSON or YAML, chosen by extension. Files are
// layered over the defaults: only keys present in a layer override earlier
// values, so a small file can change one setting and keep the rest.
// Environment variables prefixed with ESPFLOW_ are applied last.
//
// # Basic Usage
//
//	cfg, err := config.Load("espflow.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Several layers:
//
//	loader := config.NewLoader()
//	loader.AddLayer("base.yaml")
//	loader.AddLayer("production.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// # Durations
//
// Duration fields accept Go duration strings ("250ms", "45s"), a day suffix
// ("2d"), or a number of nanoseconds.
//
// # Concurrency
//
// Config is a plain value. SafeConfig wraps one for shared use: Get returns a
// deep copy and Update validates before swapping.
//
// # Stream options
//
// PublishConfig.Options and SubscribeConfig.Options translate the file
// settings into stream options, so callers only add what is specific to one
// call (schema, horizons, logger).
package config
