package exec

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
)

// identity is a resolved target user: numeric ids plus the profile values
// that seed the child environment.
type identity struct {
	username string
	uid      uint32
	gid      uint32
	groups   []uint32
	home     string
}

// lookupIdentity resolves username against the host user database.
func lookupIdentity(username string) (*identity, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrUserUnknown)
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserUnknown, username)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid %q for %s: %w", u.Uid, username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid %q for %s: %w", u.Gid, username, err)
	}

	id := &identity{
		username: username,
		uid:      uint32(uid),
		gid:      uint32(gid),
		home:     u.HomeDir,
	}

	// Supplementary groups are best effort; a user with an unreadable
	// group list still runs with the primary group.
	if gidStrs, err := u.GroupIds(); err == nil {
		for _, g := range gidStrs {
			if v, err := strconv.ParseUint(g, 10, 32); err == nil {
				id.groups = append(id.groups, uint32(v))
			}
		}
	}
	return id, nil
}

// baseEnv builds the child environment for an identity: the profile basics
// with the caller's overlays applied last.
func baseEnv(id *identity, overlays []string) []string {
	env := []string{
		"HOME=" + id.home,
		"USER=" + id.username,
		"LOGNAME=" + id.username,
		"PATH=" + inheritedPath(),
	}
	return append(env, overlays...)
}

// inheritedPath passes the service's PATH to the child, with a sane default
// when the service itself was started without one.
func inheritedPath() string {
	if p := os.Getenv("PATH"); p != "" {
		return p
	}
	return "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
}
