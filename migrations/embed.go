// Package migrations ships the SQL applied to every tenant database by the
// external migration tool.
package migrations

import "embed"

// Tenant holds the tenant schema files, in migration tool naming
// (NNNNNN_name.up.sql / .down.sql).
//
//go:embed tenant/*.sql
var Tenant embed.FS
