// Package hcl_adapter provides the concrete HCL implementation of the
// config.Loader interface. It parses dispatch documents written in native
// HCL syntax (.hcl) or HCL's JSON syntax (.json), evaluates their option
// expressions into cty values and translates them into the config model.
package hcl_adapter
