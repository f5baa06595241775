package version

import (
	"runtime"
	"strconv"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Protocol is the helper wire-protocol revision. The client and an installed
// helper must agree on it; bump it when Command or Reply fields change meaning.
const Protocol = 1

func String() string {
	return "powerrelay " + Version + " (protocol=" + strconv.Itoa(Protocol) + ", commit=" + Commit + ", date=" + Date + ", go=" + runtime.Version() + ")"
}
