package schema

import _ "embed"

// ConnectionV1Schema contains the JSON schema for kernel connection files.
//
//go:embed connection.v1.json
var ConnectionV1Schema []byte

// KernelSpecV1Schema contains the JSON schema for kernel.json launch specs.
//
//go:embed kernelspec.v1.json
var KernelSpecV1Schema []byte

// ConfigV1Schema contains the JSON schema for kernelsup.yaml.
//
//go:embed config.v1.json
var ConfigV1Schema []byte
