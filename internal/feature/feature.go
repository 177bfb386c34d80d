package feature

import "os"

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. If FF is disabled by default, the
// environment variable needs to be `true` to explicitly enable it. If FF is enabled by default, variable needs to be
// `false` to explicitly disable it.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// KeysetWalker makes keyset the default batching strategy for descriptors that do not name one. Keyset windows hold
// up to sub_batch_size existing keys instead of sub_batch_size consecutive key values, which helps on sparse tables at
// the cost of one extra query per window.
var KeysetWalker = Feature{
	EnvVariable: "BACKFILL_FF_KEYSET_WALKER",
}

// StatementTimeout bounds every window transaction with `SET LOCAL statement_timeout` on PostgreSQL, using the
// configured `backfill.statementtimeout`. Disabling it leaves the server default in place.
var StatementTimeout = Feature{
	defaultEnabled: true,
	EnvVariable:    "BACKFILL_FF_STATEMENT_TIMEOUT",
}

// testFeature is used for testing purposes only
var testFeature = Feature{
	EnvVariable: "BACKFILL_FF_TEST",
}

var all = []Feature{
	testFeature,
	KeysetWalker,
	StatementTimeout,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}
