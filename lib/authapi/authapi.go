// Copyright 2026 The n6 Authors
// SPDX-License-Identifier: Apache-2.0

// Package authapi is the consumer façade over the authorization
// resolution core: it authenticates credentials, hands out resolved
// per-organization access information, and exposes the derived
// directory views the gateway components consume. All reads happen
// inside an explicit Session pinned to one snapshot, so a sequence of
// lookups never observes a directory update halfway through.
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/CERT-Polska/n6-sub002/lib/access"
	"github.com/CERT-Polska/n6-sub002/lib/cond"
	"github.com/CERT-Polska/n6-sub002/lib/directory"
	"github.com/CERT-Polska/n6-sub002/lib/insidecrit"
)

// ErrUnknownOrg is returned by lookups keyed on an organization id
// that is absent from the pinned snapshot.
var ErrUnknownOrg = errors.New("authapi: unknown organization")

// AuthenticationError is a refused credential. Its message carries
// only the refusal reason, never the credential material itself, so
// it is safe to log as-is.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// SnapshotSource supplies the current directory snapshot. Satisfied
// by *snapcache.Prefetcher.
type SnapshotSource interface {
	Current() *directory.Snapshot
	WaitFirst(ctx context.Context) (*directory.Snapshot, error)
}

// Options configures a Center.
type Options struct {
	// Source is required.
	Source SnapshotSource

	// Compiler defaults to cond.NewCompiler with default options.
	Compiler *cond.Compiler

	// FQDNOnlyCategories lists event categories matched solely on
	// FQDN criteria by the inside-criteria resolver.
	FQDNOnlyCategories []string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Center is the long-lived façade instance. It owns no snapshot
// itself; every read goes through a Session.
type Center struct {
	source             SnapshotSource
	compiler           *cond.Compiler
	fqdnOnlyCategories []string
	logger             *slog.Logger
}

// NewCenter validates options and builds a Center.
func NewCenter(options Options) (*Center, error) {
	if options.Source == nil {
		return nil, errors.New("authapi: snapshot source is required")
	}
	if options.Compiler == nil {
		options.Compiler = cond.NewCompiler(cond.Options{})
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Center{
		source:             options.Source,
		compiler:           options.Compiler,
		fqdnOnlyCategories: options.FQDNOnlyCategories,
		logger:             options.Logger,
	}, nil
}

// Warm eagerly computes the expensive derived views of a snapshot so
// they are memoized before the prefetcher publishes it. Wire it as
// the prefetcher's warm hook (snapcache.Options.Warm).
func (c *Center) Warm(snapshot *directory.Snapshot) error {
	if _, err := c.accessInfos(snapshot); err != nil {
		return err
	}
	if _, err := c.insideIndex(snapshot); err != nil {
		return err
	}
	if _, err := c.combinedConfigs(snapshot); err != nil {
		return err
	}
	return nil
}

// Begin opens a session pinned to the current snapshot, waiting for
// the first one if none has been published yet.
func (c *Center) Begin(ctx context.Context) (*Session, error) {
	snapshot, err := c.source.WaitFirst(ctx)
	if err != nil {
		return nil, err
	}
	// WaitFirst returns the first publication; prefer the newest.
	if current := c.source.Current(); current != nil {
		snapshot = current
	}
	return &Session{center: c, snapshot: snapshot}, nil
}

// Session is one consumer's read scope: every lookup made through it
// sees the same snapshot, regardless of concurrent refreshes. End it
// when done; a session must not outlive the request it serves, or it
// pins old snapshot memory.
type Session struct {
	center   *Center
	snapshot *directory.Snapshot
	ended    atomic.Bool
}

// End releases the session. Further use panics.
func (s *Session) End() {
	s.ended.Store(true)
	s.snapshot = nil
}

// Version reports the pinned snapshot's version marker.
func (s *Session) Version() directory.VersionInfo {
	return s.snap().Info
}

func (s *Session) snap() *directory.Snapshot {
	if s.ended.Load() {
		panic("authapi: session used after End")
	}
	return s.snapshot
}

// AuthData identifies an authenticated principal: the organization the
// credential resolved to and the login it carried.
type AuthData struct {
	OrgID     directory.OrgID
	UserLogin string
}

// Authenticate resolves a credential against the directory: the login
// must be assigned to exactly one organization, and that organization
// must be the claimed one. A login assigned to more than one
// organization is a directory data problem; such logins are refused
// outright.
func (s *Session) Authenticate(orgID directory.OrgID, userLogin string) (AuthData, error) {
	snapshot := s.snap()
	if _, ok := snapshot.Graph.Orgs[orgID]; !ok {
		return AuthData{}, &AuthenticationError{Reason: "unknown organization"}
	}
	index, err := s.center.userIndex(snapshot)
	if err != nil {
		return AuthData{}, err
	}
	if index.ambiguous[userLogin] {
		return AuthData{}, &AuthenticationError{Reason: "ambiguous user assignment"}
	}
	assigned, ok := index.byLogin[userLogin]
	if !ok {
		return AuthData{}, &AuthenticationError{Reason: "unknown user"}
	}
	if assigned != orgID {
		return AuthData{}, &AuthenticationError{Reason: "user not assigned to organization"}
	}
	return AuthData{OrgID: orgID, UserLogin: userLogin}, nil
}

// AccessInfo returns the resolved authorization view of one
// organization, ErrUnknownOrg when the snapshot has no such
// organization.
func (s *Session) AccessInfo(orgID directory.OrgID) (*access.AccessInfo, error) {
	infos, err := s.center.accessInfos(s.snap())
	if err != nil {
		return nil, err
	}
	info, ok := infos[orgID]
	if !ok {
		return nil, ErrUnknownOrg
	}
	return info, nil
}

// OrgIDsToAccessInfos returns the full resolved authorization map.
// The map is shared and read-only.
func (s *Session) OrgIDsToAccessInfos() (map[directory.OrgID]*access.AccessInfo, error) {
	return s.center.accessInfos(s.snap())
}

// InsideCriteriaResolver returns the snapshot's inside-criteria
// matching index.
func (s *Session) InsideCriteriaResolver() (*insidecrit.Index, error) {
	return s.center.insideIndex(s.snap())
}
