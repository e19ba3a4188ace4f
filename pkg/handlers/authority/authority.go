/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package authority implements authentication and permission checks for the
// API layer: AES-GCM bearer tokens and role-derived permission sets.
package authority

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// Permissions. Roles are labels that seed a permission set; authorization
// checks test permissions, never role names.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermCompute = "compute"
	PermQueue   = "queue"
	PermAdmin   = "admin"
)

// Role labels accepted at user creation. RoleManager is never assigned to a
// user; it is carried only by the session tokens issued to registered
// managers so their claim/heartbeat/return calls stay inside `queue`.
const (
	RoleRead    = "read"
	RoleMonitor = "monitor"
	RoleCompute = "compute"
	RoleSubmit  = "submit"
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

// RolePermissions expands a role label into its permission set.
func RolePermissions(role string) ([]string, error) {
	switch role {
	case RoleRead, RoleMonitor:
		return []string{PermRead}, nil
	case RoleCompute:
		return []string{PermRead, PermCompute}, nil
	case RoleSubmit:
		return []string{PermRead, PermWrite, PermCompute}, nil
	case RoleManager:
		return []string{PermRead, PermQueue}, nil
	case RoleAdmin:
		return []string{PermRead, PermWrite, PermCompute, PermQueue, PermAdmin}, nil
	}
	return nil, qcerrors.NewInvalidInput("unknown role %q", role)
}

// Identity is the authenticated caller attached to each request.
type Identity struct {
	Username    string
	Role        string
	Permissions []string
}

func (id *Identity) Has(perm string) bool {
	for _, p := range id.Permissions {
		if p == perm || p == PermAdmin {
			return true
		}
	}
	return false
}

// Authority issues and verifies tokens with one AES-GCM key derived from the
// configured secret.
type Authority struct {
	aead cipher.AEAD
}

func New(secret string) (*Authority, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret key is empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Authority{aead: aead}, nil
}

// IssueToken seals `username:expires_unix:role` and returns it base64url
// encoded with the nonce prepended.
func (a *Authority) IssueToken(username, role string, lifetime time.Duration) (string, time.Time, error) {
	expires := time.Now().UTC().Add(lifetime).Truncate(time.Second)
	plaintext := fmt.Sprintf("%s:%d:%s", username, expires.Unix(), role)
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", time.Time{}, err
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), expires, nil
}

// VerifyToken opens a bearer token and returns the identity it carries.
// Tampered, malformed and expired tokens all come back permission_denied.
func (a *Authority) VerifyToken(token string) (*Identity, error) {
	sealed, err := base64.URLEncoding.DecodeString(token)
	if err != nil || len(sealed) < a.aead.NonceSize() {
		return nil, qcerrors.NewPermissionDenied("malformed token")
	}
	nonce, ciphertext := sealed[:a.aead.NonceSize()], sealed[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, qcerrors.NewPermissionDenied("invalid token")
	}
	parts := strings.SplitN(string(plaintext), ":", 3)
	if len(parts) != 3 {
		return nil, qcerrors.NewPermissionDenied("invalid token")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, qcerrors.NewPermissionDenied("invalid token")
	}
	if time.Now().UTC().Unix() > expires {
		return nil, qcerrors.NewPermissionDenied("token expired")
	}
	perms, err := RolePermissions(parts[2])
	if err != nil {
		return nil, qcerrors.NewPermissionDenied("token carries unknown role %q", parts[2])
	}
	return &Identity{Username: parts[0], Role: parts[2], Permissions: perms}, nil
}
