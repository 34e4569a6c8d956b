// Package hcl provides the HCL implementation of config.ProfileLoader. It
// parses profile files, decodes them with gohcl and converts the dynamic
// parts through cty.
package hcl
