// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package security resolves users to roles for RBAC checks.
package security

import (
	"context"
	"strings"
	"sync"

	"github.com/jllopis/synod/pkg/config"
)

// Resolver maps a user to its role. An unknown user resolves to "".
type Resolver interface {
	ResolveRole(ctx context.Context, user string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, user string) (string, error)

// ResolveRole calls f.
func (f ResolverFunc) ResolveRole(ctx context.Context, user string) (string, error) {
	return f(ctx, user)
}

// StaticResolver resolves roles from a fixed table.
type StaticResolver struct {
	mu    sync.RWMutex
	roles map[string]string
}

// NewStaticResolver copies roles into a new resolver.
func NewStaticResolver(roles map[string]string) *StaticResolver {
	r := &StaticResolver{roles: make(map[string]string, len(roles))}
	for user, role := range roles {
		r.SetRole(user, role)
	}
	return r
}

// FromConfig builds a resolver from the security.roles table.
func FromConfig(cfg config.SecurityConfig) *StaticResolver {
	return NewStaticResolver(cfg.Roles)
}

// SetRole assigns role to user. An empty role removes the user.
func (r *StaticResolver) SetRole(user, role string) {
	user = strings.TrimSpace(user)
	role = strings.TrimSpace(role)
	if user == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if role == "" {
		delete(r.roles, user)
		return
	}
	r.roles[user] = role
}

// ResolveRole returns the user's role.
func (r *StaticResolver) ResolveRole(_ context.Context, user string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[strings.TrimSpace(user)], nil
}

// Satisfies reports whether role meets required. An empty requirement is
// always satisfied; otherwise roles must match exactly.
func Satisfies(role, required string) bool {
	required = strings.TrimSpace(required)
	return required == "" || strings.EqualFold(strings.TrimSpace(role), required)
}
