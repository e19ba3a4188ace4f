/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package authority

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

func TestTokenRoundtrip(t *testing.T) {
	auth, err := New("test-secret")
	require.NoError(t, err)

	token, expires, err := auth.IssueToken("alice", RoleSubmit, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), expires, 5*time.Second)

	identity, err := auth.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, RoleSubmit, identity.Role)
	assert.True(t, identity.Has(PermWrite))
	assert.False(t, identity.Has(PermAdmin))
}

func TestTokenExpired(t *testing.T) {
	auth, err := New("test-secret")
	require.NoError(t, err)

	token, _, err := auth.IssueToken("alice", RoleRead, -time.Minute)
	require.NoError(t, err)

	_, err = auth.VerifyToken(token)
	assert.Equal(t, qcerrors.KindPermissionDenied, qcerrors.KindOf(err))
}

func TestTokenTampered(t *testing.T) {
	auth, err := New("test-secret")
	require.NoError(t, err)

	token, _, err := auth.IssueToken("alice", RoleAdmin, time.Hour)
	require.NoError(t, err)

	sealed, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = auth.VerifyToken(base64.URLEncoding.EncodeToString(sealed))
	assert.Equal(t, qcerrors.KindPermissionDenied, qcerrors.KindOf(err))

	_, err = auth.VerifyToken("not-base64!!!")
	assert.Equal(t, qcerrors.KindPermissionDenied, qcerrors.KindOf(err))

	_, err = auth.VerifyToken("")
	assert.Equal(t, qcerrors.KindPermissionDenied, qcerrors.KindOf(err))
}

func TestTokensDoNotCrossSecrets(t *testing.T) {
	issuer, err := New("secret-one")
	require.NoError(t, err)
	verifier, err := New("secret-two")
	require.NoError(t, err)

	token, _, err := issuer.IssueToken("alice", RoleRead, time.Hour)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	assert.Equal(t, qcerrors.KindPermissionDenied, qcerrors.KindOf(err))
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestRolePermissions(t *testing.T) {
	cases := map[string][]string{
		RoleRead:    {PermRead},
		RoleMonitor: {PermRead},
		RoleCompute: {PermRead, PermCompute},
		RoleSubmit:  {PermRead, PermWrite, PermCompute},
		RoleManager: {PermRead, PermQueue},
		RoleAdmin:   {PermRead, PermWrite, PermCompute, PermQueue, PermAdmin},
	}
	for role, want := range cases {
		perms, err := RolePermissions(role)
		require.NoError(t, err, role)
		assert.Equal(t, want, perms, role)
	}

	_, err := RolePermissions("superuser")
	assert.Equal(t, qcerrors.KindInvalidInput, qcerrors.KindOf(err))
}

func TestAdminImpliesEverything(t *testing.T) {
	identity := &Identity{Username: "root", Role: RoleAdmin, Permissions: []string{PermAdmin}}
	for _, perm := range []string{PermRead, PermWrite, PermCompute, PermQueue, PermAdmin} {
		assert.True(t, identity.Has(perm), perm)
	}
}
