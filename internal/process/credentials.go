//go:build unix

package process

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// Credentials are the numeric ids a privileged launch switches to
type Credentials struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32 // supplementary groups of the user, empty when only a group was given
}

// ResolveCredentials resolves user and group names or numeric ids.
// Returns nil when neither is set. Without a group the user's primary group is used.
func ResolveCredentials(userName, groupName string) (*Credentials, error) {
	if userName == "" && groupName == "" {
		return nil, nil
	}

	creds := &Credentials{}

	if userName != "" {
		u, err := lookupUser(userName)
		if err != nil {
			// numeric ids need not exist in /etc/passwd
			uid, perr := strconv.ParseUint(userName, 10, 32)
			if perr != nil {
				return nil, fmt.Errorf("failed to resolve user %q: %w", userName, err)
			}
			if groupName == "" {
				return nil, fmt.Errorf("user %q has no passwd entry, a group is required", userName)
			}
			creds.Uid = uint32(uid)
		} else {
			uid, err := parseID(u.Uid)
			if err != nil {
				return nil, fmt.Errorf("failed to parse UID %q: %w", u.Uid, err)
			}
			creds.Uid = uid

			gid, err := parseID(u.Gid)
			if err != nil {
				return nil, fmt.Errorf("failed to parse primary group ID %q: %w", u.Gid, err)
			}
			creds.Gid = gid

			if ids, err := u.GroupIds(); err == nil {
				for _, g := range ids {
					if id, err := parseID(g); err == nil {
						creds.Groups = append(creds.Groups, id)
					}
				}
			}
		}
	}

	if groupName != "" {
		gid, err := resolveGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve group %q: %w", groupName, err)
		}
		creds.Gid = gid
	}

	return creds, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// resolveGroup resolves a group name or numeric GID
func resolveGroup(nameOrID string) (uint32, error) {
	if gid, err := parseID(nameOrID); err == nil {
		return gid, nil
	}

	g, err := user.LookupGroup(nameOrID)
	if err != nil {
		return 0, err
	}
	return parseID(g.Gid)
}

// lookupUser looks a user up by name or numeric id
func lookupUser(nameOrID string) (*user.User, error) {
	if _, err := strconv.ParseUint(nameOrID, 10, 32); err == nil {
		return user.LookupId(nameOrID)
	}
	return user.Lookup(nameOrID)
}

// ApplySysProcAttr sets the credential the child is started with. No-op on nil.
func (c *Credentials) ApplySysProcAttr(attr *syscall.SysProcAttr) {
	if c == nil {
		return
	}
	attr.Credential = &syscall.Credential{
		Uid:    c.Uid,
		Gid:    c.Gid,
		Groups: c.Groups,
	}
}
