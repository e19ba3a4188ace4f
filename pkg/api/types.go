/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

// Package api holds the wire types shared by the server handlers and the
// manager-side compute client. Everything here is plain JSON; validation
// happens in the value types and stores, not in the DTOs.
package api

import (
	"encoding/json"
	"time"

	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// ErrorBody is the error envelope every failing endpoint returns.
type ErrorBody struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// InsertMetadata reports per-entry outcomes of a bulk insert. Indices refer
// to positions in the submitted batch.
type InsertMetadata struct {
	InsertedIdx []int        `json:"inserted_idx"`
	ExistingIdx []int        `json:"existing_idx"`
	Errors      []EntryError `json:"errors,omitempty"`
}

type EntryError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// AddResponse answers every bulk-add endpoint: ids parallel to the batch
// (zero where the entry errored) plus the insert metadata.
type AddResponse struct {
	IDs  []int64        `json:"ids"`
	Meta InsertMetadata `json:"meta"`
}

type BulkGetRequest struct {
	IDs       []int64 `json:"ids"`
	MissingOK bool    `json:"missing_ok"`
}

// Auth.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Information is the handshake body of GET /information.
type Information struct {
	Name               string           `json:"name"`
	Version            string           `json:"version"`
	APILimits          APILimits        `json:"api_limits"`
	HeartbeatFrequency float64          `json:"heartbeat_frequency"`
	RecordCounts       map[string]int64 `json:"record_counts"`
	ManagerCounts      map[string]int64 `json:"manager_counts"`
	TaskQueueDepth     int64            `json:"task_queue_depth"`
	ServiceQueueDepth  int64            `json:"service_queue_depth"`
}

type APILimits struct {
	MaxBodyBytes int64 `json:"max_body_bytes"`
	QueryLimit   int   `json:"query_limit"`
}

// Molecules and keywords.

type MoleculeAddRequest struct {
	Molecules []*models.Molecule `json:"molecules"`
}

type MoleculeQueryRequest struct {
	IDs          []int64  `json:"ids,omitempty"`
	MoleculeHash []string `json:"molecule_hash,omitempty"`
	Formula      []string `json:"formula,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	Skip         int      `json:"skip,omitempty"`
}

// StoredMolecule pairs a molecule id with its stored canonical payload.
type StoredMolecule struct {
	ID       int64           `json:"id"`
	Hash     string          `json:"molecule_hash"`
	Molecule json.RawMessage `json:"molecule"`
}

type MoleculeQueryResponse struct {
	Molecules []StoredMolecule `json:"molecules"`
	Matched   int              `json:"matched"`
}

type KeywordAddRequest struct {
	Keywords []*models.KeywordSet `json:"keywords"`
}

type StoredKeywords struct {
	ID       int64           `json:"id"`
	Hash     string          `json:"hash"`
	Keywords json.RawMessage `json:"keywords"`
}

// Record submissions, one body per variant.

type SinglepointSubmission struct {
	Specification models.QCSpecification `json:"specification"`
	MoleculeIDs   []int64                `json:"molecule_ids"`
	Tag           string                 `json:"tag,omitempty"`
	Priority      models.Priority        `json:"priority,omitempty"`
}

type OptimizationSubmission struct {
	Specification models.OptimizationSpecification `json:"specification"`
	MoleculeIDs   []int64                          `json:"molecule_ids"`
	Tag           string                           `json:"tag,omitempty"`
	Priority      models.Priority                  `json:"priority,omitempty"`
}

type TorsiondriveSubmission struct {
	Specification    models.TorsiondriveSpecification `json:"specification"`
	InitialMolecules [][]int64                        `json:"initial_molecules"`
	Tag              string                           `json:"tag,omitempty"`
	Priority         models.Priority                  `json:"priority,omitempty"`
}

type GridoptimizationSubmission struct {
	Specification     models.GridoptimizationSpecification `json:"specification"`
	StartingMolecules []int64                              `json:"starting_molecules"`
	Tag               string                               `json:"tag,omitempty"`
	Priority          models.Priority                      `json:"priority,omitempty"`
}

type NEBSubmission struct {
	Specification models.NEBSpecification `json:"specification"`
	Chains        [][]int64               `json:"chains"`
	Tag           string                  `json:"tag,omitempty"`
	Priority      models.Priority         `json:"priority,omitempty"`
}

type ManybodySubmission struct {
	Specification    models.ManybodySpecification `json:"specification"`
	InitialMolecules []int64                      `json:"initial_molecules"`
	Tag              string                       `json:"tag,omitempty"`
	Priority         models.Priority              `json:"priority,omitempty"`
}

type ReactionSubmission struct {
	Specification   models.ReactionSpecification  `json:"specification"`
	Stoichiometries [][]models.ReactionComponent  `json:"stoichiometries"`
	Tag             string                        `json:"tag,omitempty"`
	Priority        models.Priority               `json:"priority,omitempty"`
}

// Record views.

type RecordQueryRequest struct {
	IDs            []int64    `json:"ids,omitempty"`
	Status         []string   `json:"status,omitempty"`
	RecordType     []string   `json:"record_type,omitempty"`
	ManagerName    string     `json:"manager_name,omitempty"`
	Tag            string     `json:"tag,omitempty"`
	OwnerUser      string     `json:"owner_user,omitempty"`
	CreatedBefore  *time.Time `json:"created_before,omitempty"`
	CreatedAfter   *time.Time `json:"created_after,omitempty"`
	ModifiedBefore *time.Time `json:"modified_before,omitempty"`
	ModifiedAfter  *time.Time `json:"modified_after,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Skip           int        `json:"skip,omitempty"`
}

type RecordQueryResponse struct {
	Records  []json.RawMessage `json:"records"`
	Matched  int               `json:"matched"`
	NextSkip int               `json:"next_skip"`
}

type ModifyRequest struct {
	NewTag      *string          `json:"new_tag,omitempty"`
	NewPriority *models.Priority `json:"new_priority,omitempty"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

type BulkActionRequest struct {
	RecordIDs []int64 `json:"record_ids"`
}

// BulkActionResponse lists per-record outcomes of a bulk mutation; Errors
// maps record id to the failure message.
type BulkActionResponse struct {
	Updated []int64          `json:"updated"`
	Errors  map[int64]string `json:"errors,omitempty"`
}

// Managers.

type ManagerRegisterRequest struct {
	Name     string            `json:"name"`
	Cluster  string            `json:"cluster,omitempty"`
	Hostname string            `json:"hostname,omitempty"`
	Version  string            `json:"version,omitempty"`
	Tags     []string          `json:"tags"`
	Programs map[string]string `json:"programs"`
}

type ManagerRegisterResponse struct {
	Token              string  `json:"token"`
	HeartbeatFrequency float64 `json:"heartbeat_frequency"`
}

type ClaimRequest struct {
	Name  string `json:"name"`
	Limit int    `json:"limit,omitempty"`
}

type ClaimedTask struct {
	ID               int64           `json:"id"`
	RecordID         int64           `json:"record_id"`
	Payload          json.RawMessage `json:"payload"`
	RequiredPrograms json.RawMessage `json:"required_programs"`
	Tag              string          `json:"tag"`
	Priority         models.Priority `json:"priority"`
}

type ClaimResponse struct {
	Tasks []ClaimedTask `json:"tasks"`
}

type HeartbeatRequest struct {
	Name        string `json:"name"`
	ActiveTasks int    `json:"active_tasks,omitempty"`
}

type HeartbeatResponse struct {
	HeartbeatFrequency float64 `json:"heartbeat_frequency"`
	ExtendedLeases     int64   `json:"extended_leases"`
}

// TaskResultBody is one task outcome in a return batch. RecordID lets the
// server archive late returns after the task row is gone.
type TaskResultBody struct {
	Success  bool            `json:"success"`
	RecordID int64           `json:"record_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

type ReturnRequest struct {
	Name    string                   `json:"name"`
	Results map[int64]TaskResultBody `json:"results"`
}

type ReturnResponse struct {
	Accepted []int64 `json:"accepted"`
	Rejected []int64 `json:"rejected"`
}

type ManagerQueryRequest struct {
	Names   []string `json:"names,omitempty"`
	Status  []string `json:"status,omitempty"`
	Cluster string   `json:"cluster,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Skip    int      `json:"skip,omitempty"`
}

// Users.

type UserUpsertRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}

type UserView struct {
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Enabled     bool     `json:"enabled"`
}

// RecordEvent is one websocket frame of GET /records/:id/watch.
type RecordEvent struct {
	RecordID int64     `json:"record_id"`
	Status   string    `json:"status"`
	Time     time.Time `json:"time"`
}
