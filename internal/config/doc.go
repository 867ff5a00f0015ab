// Package config defines the format-agnostic model of a dispatch document:
// the cross-cutting dispatch settings, the option tree that is expanded into
// jobs, and the lockstep groups that opt into zip semantics.
//
// The `config.Document` is the single source of truth for the `grid`,
// `pool` and `runner` packages. Concrete loaders, such as the HCL one, are
// provided in separate packages.
package config
