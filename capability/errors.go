package capability

import "errors"

// ErrNotFound is returned by LocalStore/RemoteStore Get-style lookups when
// no row matches, mirroring the teacher's repository.ErrNotFound sentinel.
var ErrNotFound = errors.New("capability: not found")

// ErrNotConfigured is returned when an operation is attempted against a
// table the caller never declared in config.Config.
var ErrNotConfigured = errors.New("capability: table not configured")
