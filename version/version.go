// Package version holds the protocol version and the compatibility rule
// applied during announce.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Protocol is the place protocol version this server speaks.
const Protocol = "2.1.0"

// Server is the build version of the daemon.
var Server = "dev"

// CheckCompatible applies the semantic-version rule: client and server must
// agree on the major version, and within the 0.x series on the minor as
// well.
func CheckCompatible(serverVersion, clientVersion string) error {
	sv, err := semver.NewVersion(serverVersion)
	if err != nil {
		return fmt.Errorf("bad server version %q: %w", serverVersion, err)
	}
	cv, err := semver.NewVersion(clientVersion)
	if err != nil {
		return fmt.Errorf("bad client version %q: %w", clientVersion, err)
	}
	if sv.Major() != cv.Major() {
		return fmt.Errorf("client %s is incompatible with server %s", cv, sv)
	}
	if sv.Major() == 0 && sv.Minor() != cv.Minor() {
		return fmt.Errorf("pre-1.0 client %s is incompatible with server %s", cv, sv)
	}
	return nil
}
