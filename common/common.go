// Package common holds process-wide settings shared by the commands.
package common

// Version is set at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"

// PackageName is the metrics namespace and default log service.
const PackageName = "keymanager"
