/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/MolSSI/QCFractal-sub000/pkg/api"
	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/config"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	"github.com/MolSSI/QCFractal-sub000/pkg/handlers/authority"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
	"github.com/MolSSI/QCFractal-sub000/pkg/records"
)

// newTestRig wires the full router over an in-memory database, with auth
// disabled so every request runs as the implicit admin.
func newTestRig(t *testing.T) (*gin.Engine, *database.Client) {
	t.Helper()
	config.Set(config.KeyAuthEnabled, false)
	config.Set(config.KeyServerLogAccess, false)
	db := database.NewTestClient(t)
	store := records.NewStore(db, blob.NewDatabaseStore(db))
	auth, err := authority.New("handlers-test-secret")
	require.NoError(t, err)
	return New(db, store, auth).Router(), db
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(jsonutil.MarshalSilently(body))
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body: %s", w.Body.String())
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body api.ErrorBody
	decode(t, w, &body)
	return body.Kind
}

func addMolecule(t *testing.T, router *gin.Engine, mol *models.Molecule) int64 {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/molecules",
		api.MoleculeAddRequest{Molecules: []*models.Molecule{mol}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AddResponse
	decode(t, w, &resp)
	require.Len(t, resp.IDs, 1)
	return resp.IDs[0]
}

func submitSinglepoint(t *testing.T, router *gin.Engine, molID int64, method string) int64 {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/records/singlepoint", api.SinglepointSubmission{
		Specification: models.QCSpecification{
			Program: "psi4", Driver: models.DriverEnergy, Method: method, Basis: "sto-3g",
		},
		MoleculeIDs: []int64{molID},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AddResponse
	decode(t, w, &resp)
	require.Len(t, resp.IDs, 1)
	return resp.IDs[0]
}

type recordView struct {
	Record  model.Record             `json:"record"`
	Task    *model.TaskQueue         `json:"task"`
	History []map[string]interface{} `json:"history"`
	Outputs map[string]interface{}   `json:"outputs"`
}

func getRecord(t *testing.T, router *gin.Engine, id int64, include string) recordView {
	t.Helper()
	path := fmt.Sprintf("/api/v1/records/%d", id)
	if include != "" {
		path += "?include=" + include
	}
	w := do(t, router, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view recordView
	decode(t, w, &view)
	return view
}

func waterMolecule() *models.Molecule {
	return &models.Molecule{
		Symbols: []string{"O", "H", "H"},
		Geometry: []float64{
			0, 0, 0,
			0, 1.43, 1.1,
			0, -1.43, 1.1,
		},
	}
}

func TestSinglepointSubmitClaimReturn(t *testing.T) {
	router, _ := newTestRig(t)
	molID := addMolecule(t, router, waterMolecule())
	recID := submitSinglepoint(t, router, molID, "hf")

	view := getRecord(t, router, recID, "task")
	assert.Equal(t, string(models.StatusWaiting), view.Record.Status)
	require.NotNil(t, view.Task)

	w := do(t, router, http.MethodPost, "/api/v1/managers/register", api.ManagerRegisterRequest{
		Name:     "mgr-one",
		Cluster:  "testcluster",
		Programs: map[string]string{"Psi4": "1.9"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/managers/claim", api.ClaimRequest{Name: "mgr-one"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var claim api.ClaimResponse
	decode(t, w, &claim)
	require.Len(t, claim.Tasks, 1)
	task := claim.Tasks[0]
	assert.Equal(t, recID, task.RecordID)
	assert.Equal(t, string(models.StatusRunning), getRecord(t, router, recID, "").Record.Status)

	result := models.SinglepointResult{
		ReturnResult: json.RawMessage(`-76.026`),
		Properties:   map[string]interface{}{"scf_total_energy": -76.026},
		Stdout:       "SCF converged",
	}
	w = do(t, router, http.MethodPost, "/api/v1/managers/return", api.ReturnRequest{
		Name: "mgr-one",
		Results: map[int64]api.TaskResultBody{
			task.ID: {Success: true, RecordID: recID, Payload: jsonutil.MarshalSilently(result)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ret api.ReturnResponse
	decode(t, w, &ret)
	assert.Equal(t, []int64{task.ID}, ret.Accepted)
	assert.Empty(t, ret.Rejected)

	view = getRecord(t, router, recID, "task,history,outputs")
	assert.Equal(t, string(models.StatusComplete), view.Record.Status)
	assert.Nil(t, view.Task, "queue row is gone once the record completes")
	require.Len(t, view.History, 1)
	assert.Equal(t, "SCF converged", view.Outputs["stdout"])

	w = do(t, router, http.MethodPost, "/api/v1/records/query", api.RecordQueryRequest{
		Status: []string{string(models.StatusComplete)},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var query api.RecordQueryResponse
	decode(t, w, &query)
	assert.Equal(t, 1, query.Matched)
	assert.Equal(t, -1, query.NextSkip)
}

func TestSubmissionDeduplicates(t *testing.T) {
	router, _ := newTestRig(t)
	molID := addMolecule(t, router, waterMolecule())

	first := submitSinglepoint(t, router, molID, "hf")
	again := submitSinglepoint(t, router, molID, "hf")
	assert.Equal(t, first, again)

	other := submitSinglepoint(t, router, molID, "mp2")
	assert.NotEqual(t, first, other)
}

func TestMoleculeDeduplicates(t *testing.T) {
	router, _ := newTestRig(t)
	first := addMolecule(t, router, waterMolecule())
	again := addMolecule(t, router, waterMolecule())
	assert.Equal(t, first, again)
}

func TestRecordLifecycleActions(t *testing.T) {
	router, _ := newTestRig(t)
	molID := addMolecule(t, router, waterMolecule())
	recID := submitSinglepoint(t, router, molID, "hf")

	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/cancel", recID), gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view := getRecord(t, router, recID, "task")
	assert.Equal(t, string(models.StatusCancelled), view.Record.Status)
	assert.Nil(t, view.Task, "cancelling removes the queue row")

	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/uncancel", recID), gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	view = getRecord(t, router, recID, "task")
	assert.Equal(t, string(models.StatusWaiting), view.Record.Status)
	assert.NotNil(t, view.Task, "uncancel requeues the record")

	// Bulk delete reports the missing id without failing the batch.
	w = do(t, router, http.MethodPost, "/api/v1/records/bulk/delete",
		api.BulkActionRequest{RecordIDs: []int64{recID, 999999}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bulk api.BulkActionResponse
	decode(t, w, &bulk)
	assert.Equal(t, []int64{recID}, bulk.Updated)
	assert.Contains(t, bulk.Errors, int64(999999))

	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/undelete", recID), gin.H{})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(models.StatusWaiting), getRecord(t, router, recID, "").Record.Status)
}

func TestRecordModifyAndComment(t *testing.T) {
	router, _ := newTestRig(t)
	molID := addMolecule(t, router, waterMolecule())
	recID := submitSinglepoint(t, router, molID, "hf")

	newTag := "urgent"
	newPriority := models.Priority(2)
	w := do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/modify", recID),
		api.ModifyRequest{NewTag: &newTag, NewPriority: &newPriority})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "urgent", getRecord(t, router, recID, "").Record.Tag)

	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/comment", recID),
		api.CommentRequest{Comment: "needs review"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/comment", recID),
		api.CommentRequest{Comment: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorKind(t, w))
}

func TestRequestValidation(t *testing.T) {
	router, _ := newTestRig(t)

	w := do(t, router, http.MethodGet, "/api/v1/records/999999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))

	w = do(t, router, http.MethodGet, "/api/v1/records/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorKind(t, w))

	// Unknown fields are rejected, not silently dropped.
	w = do(t, router, http.MethodPost, "/api/v1/records/singlepoint",
		gin.H{"specification": gin.H{"program": "psi4"}, "bogus_field": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorKind(t, w))

	w = do(t, router, http.MethodPost, "/api/v1/managers/claim",
		api.ClaimRequest{Name: "never-registered"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "manager_unknown", errorKind(t, w))
}

func TestInformation(t *testing.T) {
	router, _ := newTestRig(t)
	w := do(t, router, http.MethodGet, "/api/v1/information", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var info api.Information
	decode(t, w, &info)
	assert.NotEmpty(t, info.Name)
	assert.NotEmpty(t, info.Version)
	assert.Greater(t, info.APILimits.QueryLimit, 0)
	assert.Greater(t, info.HeartbeatFrequency, 0.0)
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRig(t)
	w := do(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserEndpoints(t *testing.T) {
	router, _ := newTestRig(t)

	w := do(t, router, http.MethodPost, "/api/v1/users",
		api.UserUpsertRequest{Username: "alice", Password: "long-enough-1", Role: authority.RoleSubmit})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var user api.UserView
	decode(t, w, &user)
	assert.Equal(t, authority.RoleSubmit, user.Role)
	assert.True(t, user.Enabled)
	assert.Contains(t, user.Permissions, authority.PermWrite)

	w = do(t, router, http.MethodPost, "/api/v1/users",
		api.UserUpsertRequest{Username: "bob", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorKind(t, w))

	w = do(t, router, http.MethodPatch, "/api/v1/users/alice",
		api.UserUpsertRequest{Role: authority.RoleAdmin})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &user)
	assert.Equal(t, authority.RoleAdmin, user.Role)
	assert.Contains(t, user.Permissions, authority.PermAdmin)

	w = do(t, router, http.MethodDelete, "/api/v1/users/alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, http.MethodGet, "/api/v1/users/alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthFlow(t *testing.T) {
	router, db := newTestRig(t)
	config.Set(config.KeyAuthEnabled, true)
	defer config.Set(config.KeyAuthEnabled, false)

	hashed, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.DefaultCost)
	require.NoError(t, err)
	perms, err := authority.RolePermissions(authority.RoleRead)
	require.NoError(t, err)
	require.NoError(t, db.CreateUser(t.Context(), &model.User{
		Username:     "reader",
		PasswordHash: string(hashed),
		Role:         authority.RoleRead,
		Permissions:  jsonutil.MarshalSilently(perms),
		Enabled:      true,
		CreatedOn:    time.Now().UTC(),
	}))

	// No token, no access.
	w := do(t, router, http.MethodGet, "/api/v1/information", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/auth/login",
		api.LoginRequest{Username: "reader", Password: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", errorKind(t, w))

	w = do(t, router, http.MethodPost, "/api/v1/auth/login",
		api.LoginRequest{Username: "reader", Password: "correct horse"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login api.LoginResponse
	decode(t, w, &login)
	require.NotEmpty(t, login.Token)
	assert.Equal(t, authority.RoleRead, login.Role)

	bearer := "Bearer " + login.Token
	w = do(t, router, http.MethodGet, "/api/v1/information", nil, "Authorization", bearer)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Read role cannot write.
	w = do(t, router, http.MethodPost, "/api/v1/molecules",
		api.MoleculeAddRequest{Molecules: []*models.Molecule{waterMolecule()}},
		"Authorization", bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", errorKind(t, w))

	// Garbage tokens are rejected at authentication.
	w = do(t, router, http.MethodGet, "/api/v1/information", nil, "Authorization", "Bearer junk")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmissionRequiresCompute(t *testing.T) {
	router, db := newTestRig(t)
	molID := addMolecule(t, router, waterMolecule())

	config.Set(config.KeyAuthEnabled, true)
	defer config.Set(config.KeyAuthEnabled, false)

	login := func(username, role, password string) string {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		require.NoError(t, err)
		perms, err := authority.RolePermissions(role)
		require.NoError(t, err)
		require.NoError(t, db.CreateUser(t.Context(), &model.User{
			Username:     username,
			PasswordHash: string(hashed),
			Role:         role,
			Permissions:  jsonutil.MarshalSilently(perms),
			Enabled:      true,
			CreatedOn:    time.Now().UTC(),
		}))
		w := do(t, router, http.MethodPost, "/api/v1/auth/login",
			api.LoginRequest{Username: username, Password: password})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp api.LoginResponse
		decode(t, w, &resp)
		return "Bearer " + resp.Token
	}

	submission := api.SinglepointSubmission{
		Specification: models.QCSpecification{
			Program: "psi4", Driver: models.DriverEnergy, Method: "hf", Basis: "sto-3g",
		},
		MoleculeIDs: []int64{molID},
	}

	// The compute role submits records.
	computeBearer := login("worker", authority.RoleCompute, "orbital overlap")
	w := do(t, router, http.MethodPost, "/api/v1/records/singlepoint", submission,
		"Authorization", computeBearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AddResponse
	decode(t, w, &resp)
	require.Len(t, resp.IDs, 1)
	recID := resp.IDs[0]

	// It holds neither write nor queue.
	w = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/records/%d/cancel", recID), nil,
		"Authorization", computeBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "permission_denied", errorKind(t, w))
	w = do(t, router, http.MethodPost, "/api/v1/molecules",
		api.MoleculeAddRequest{Molecules: []*models.Molecule{waterMolecule()}},
		"Authorization", computeBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, router, http.MethodPost, "/api/v1/managers/claim",
		api.ClaimRequest{Name: "worker"}, "Authorization", computeBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Read-only tokens cannot submit.
	readBearer := login("observer", authority.RoleRead, "watching only")
	w = do(t, router, http.MethodPost, "/api/v1/records/singlepoint", submission,
		"Authorization", readBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Manager tokens reach the queue group and nothing beyond it.
	auth, err := authority.New("handlers-test-secret")
	require.NoError(t, err)
	mgrToken, _, err := auth.IssueToken("mgr-one", authority.RoleManager, time.Hour)
	require.NoError(t, err)
	mgrBearer := "Bearer " + mgrToken
	w = do(t, router, http.MethodPost, "/api/v1/managers/claim",
		api.ClaimRequest{Name: "mgr-one"}, "Authorization", mgrBearer)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "manager_unknown", errorKind(t, w))
	w = do(t, router, http.MethodPost, "/api/v1/records/singlepoint", submission,
		"Authorization", mgrBearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The manager role is token-only; users cannot be created with it.
	adminBearer := login("root", authority.RoleAdmin, "all the perms")
	w = do(t, router, http.MethodPost, "/api/v1/users", api.UserUpsertRequest{
		Username: "fake-mgr", Password: "long enough", Role: authority.RoleManager,
	}, "Authorization", adminBearer)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_input", errorKind(t, w))
}

func TestAnonymousRead(t *testing.T) {
	router, _ := newTestRig(t)
	config.Set(config.KeyAuthEnabled, true)
	config.Set(config.KeyAuthAllowAnonRead, true)
	defer func() {
		config.Set(config.KeyAuthEnabled, false)
		config.Set(config.KeyAuthAllowAnonRead, false)
	}()

	w := do(t, router, http.MethodGet, "/api/v1/information", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/molecules",
		api.MoleculeAddRequest{Molecules: []*models.Molecule{waterMolecule()}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestManagerHeartbeatAndQuery(t *testing.T) {
	router, _ := newTestRig(t)

	w := do(t, router, http.MethodPost, "/api/v1/managers/register", api.ManagerRegisterRequest{
		Name:     "mgr-hb",
		Programs: map[string]string{"xtb": "6.6"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/managers/heartbeat",
		api.HeartbeatRequest{Name: "mgr-hb"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var hb api.HeartbeatResponse
	decode(t, w, &hb)
	assert.Greater(t, hb.HeartbeatFrequency, 0.0)

	w = do(t, router, http.MethodPost, "/api/v1/managers/query",
		api.ManagerQueryRequest{Names: []string{"mgr-hb"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var q struct {
		Managers []model.Manager `json:"managers"`
		Matched  int             `json:"matched"`
	}
	decode(t, w, &q)
	require.Equal(t, 1, q.Matched)
	assert.Equal(t, model.ManagerActive, q.Managers[0].Status)
}
