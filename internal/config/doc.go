// Package config loads scry-batch settings with viper.
//
// Values come from built-in defaults, an optional YAML file and SCRY_*
// environment variables, in increasing order of precedence. The merged
// result is checked with validator struct tags before anything is wired,
// which is also where backend choices (kv, scheduler, llm provider) are
// cross-checked against the settings they require.
package config
