// Package common holds build metadata and logger construction shared by the
// binaries.
package common

// Version is set at build time with
// -ldflags "-X github.com/ruteri/federated-kms/common.Version=v1.2.3".
var Version = "dev"

// PackageName labels the service in metrics and logs.
const PackageName = "federated-kms"
