// Package testutil provides in-memory, tenant-scoped fakes of the Postgres
// stores so packages can be tested against a real tenancy.Switcher without a
// database.
package testutil
