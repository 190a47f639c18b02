package config

import "errors"

// ErrConfiguration is the sentinel error kind for schema, validation, DAG
// and missing-dependency failures (§7 ConfigurationError).
var ErrConfiguration = errors.New("configuration error")
