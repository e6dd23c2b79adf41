// Package auth validates credentials presented on AUTH frames and answers
// per-document read/write questions for the life of a connection.
package auth

import (
	"time"

	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// PermissionWildcard in a permission list grants the whole namespace.
const PermissionWildcard = "*"

// Permissions is a subject's document access. Immutable once attached to a
// connection; IsAdmin short-circuits every check.
type Permissions struct {
	CanRead  []string
	CanWrite []string
	IsAdmin  bool
}

// AllowsRead reports whether docID may be read. Write access implies read.
func (p Permissions) AllowsRead(docID string) bool {
	if p.IsAdmin {
		return true
	}
	return listAllows(p.CanRead, docID) || listAllows(p.CanWrite, docID)
}

// AllowsWrite reports whether docID may be written.
func (p Permissions) AllowsWrite(docID string) bool {
	if p.IsAdmin {
		return true
	}
	return listAllows(p.CanWrite, docID)
}

func listAllows(list []string, docID string) bool {
	for _, d := range list {
		if d == PermissionWildcard || d == docID {
			return true
		}
	}
	return false
}

// Wire converts to the protocol representation sent in auth_success frames.
func (p Permissions) Wire() *protocol.Permissions {
	return &protocol.Permissions{
		CanRead:  append([]string(nil), p.CanRead...),
		CanWrite: append([]string(nil), p.CanWrite...),
		IsAdmin:  p.IsAdmin,
	}
}

// Subject is an authenticated identity derived from a validated credential.
type Subject struct {
	UserID      string
	ClientID    string
	Permissions Permissions
	ExpiresAt   time.Time
}
