package hcl

import "github.com/hashicorp/hcl/v2"

// profileFile is the HCL schema of a profile.
type profileFile struct {
	LogLevel    *string        `hcl:"log_level,optional"`
	LogFormat   *string        `hcl:"log_format,optional"`
	KeepStack   *bool          `hcl:"keep_stack,optional"`
	PreserveAll *bool          `hcl:"preserve_all,optional"`
	NoPause     *bool          `hcl:"no_pause,optional"`
	SearchPaths []string       `hcl:"search_paths,optional"`
	Stages      hcl.Expression `hcl:"stages,optional"`
	Artifact    *artifactBlock `hcl:"artifact,block"`
}

type artifactBlock struct {
	Endpoint  string `hcl:"endpoint"`
	Bucket    string `hcl:"bucket"`
	Region    string `hcl:"region,optional"`
	AccessKey string `hcl:"access_key,optional"`
	SecretKey string `hcl:"secret_key,optional"`
	UseSSL    *bool  `hcl:"use_ssl,optional"`
}
