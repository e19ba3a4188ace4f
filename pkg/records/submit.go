/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package records

import (
	"context"
	"encoding/json"
	"sort"

	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// Manager-side entry points named in task payloads.
const (
	FunctionCompute          = "qcengine.compute"
	FunctionComputeProcedure = "qcengine.compute_procedure"
)

// TaskPayload is the jsonb function envelope a manager receives on claim.
type TaskPayload struct {
	Function       string                 `json:"function"`
	FunctionKwargs map[string]interface{} `json:"function_kwargs"`
}

// resolveQCSpec stores (or finds) the singlepoint spec row inside tx. The
// spec must already be validated.
func resolveQCSpec(tx *gorm.DB, spec *models.QCSpecification) (int64, error) {
	h, err := spec.Hash()
	if err != nil {
		return 0, err
	}
	row := &model.QCSpecification{
		SpecHash:  h,
		Program:   spec.Program,
		Driver:    string(spec.Driver),
		Method:    spec.Method,
		Basis:     spec.Basis,
		Keywords:  jsonutil.MarshalSilently(spec.Keywords),
		Protocols: jsonutil.MarshalSilently(spec.Protocols),
	}
	return database.GetOrCreateQCSpec(tx, row)
}

// resolveOptimizationSpec stores the optimization spec row and its inner QC
// spec inside tx.
func resolveOptimizationSpec(tx *gorm.DB, spec *models.OptimizationSpecification) (int64, error) {
	qcID, err := resolveQCSpec(tx, &spec.QCSpecification)
	if err != nil {
		return 0, err
	}
	h, err := spec.Hash()
	if err != nil {
		return 0, err
	}
	row := &model.OptimizationSpecification{
		SpecHash:          h,
		Program:           spec.Program,
		Keywords:          jsonutil.MarshalSilently(spec.Keywords),
		Protocols:         jsonutil.MarshalSilently(spec.Protocols),
		QCSpecificationID: qcID,
	}
	return database.GetOrCreateOptimizationSpec(tx, row)
}

// resolveServiceSpec stores a service spec row wrapping either an
// optimization spec (torsiondrive, gridoptimization) or a qc spec (neb,
// manybody, reaction).
func resolveServiceSpec(tx *gorm.DB, specType, specHash, program string, keywords interface{},
	qcSpecID, optSpecID *int64) (int64, error) {
	row := &model.ServiceSpecification{
		SpecHash:                    specHash,
		SpecType:                    specType,
		Program:                     program,
		Keywords:                    jsonutil.MarshalSilently(keywords),
		QCSpecificationID:           qcSpecID,
		OptimizationSpecificationID: optSpecID,
	}
	return database.GetOrCreateServiceSpec(tx, row)
}

// singlepointKwargs builds the manager function arguments for one
// singlepoint evaluation.
func singlepointKwargs(spec *models.QCSpecification, molPayload json.RawMessage) map[string]interface{} {
	kwargs := map[string]interface{}{
		"program":  spec.Program,
		"driver":   string(spec.Driver),
		"method":   spec.Method,
		"basis":    spec.Basis,
		"keywords": spec.Keywords,
	}
	if len(molPayload) > 0 {
		kwargs["molecule"] = molPayload
	}
	return kwargs
}

func singlepointTaskPayload(spec *models.QCSpecification, molPayload json.RawMessage) json.RawMessage {
	return jsonutil.MarshalSilently(&TaskPayload{
		Function:       FunctionCompute,
		FunctionKwargs: singlepointKwargs(spec, molPayload),
	})
}

func optimizationTaskPayload(spec *models.OptimizationSpecification, molPayload, constraints json.RawMessage) json.RawMessage {
	kwargs := map[string]interface{}{
		"program":          spec.Program,
		"keywords":         spec.Keywords,
		"qc_specification": singlepointKwargs(&spec.QCSpecification, nil),
		"initial_molecule": molPayload,
	}
	if len(constraints) > 0 {
		kwargs["constraints"] = constraints
	}
	return jsonutil.MarshalSilently(&TaskPayload{
		Function:       FunctionComputeProcedure,
		FunctionKwargs: kwargs,
	})
}

func requiredPrograms(programs ...string) json.RawMessage {
	req := make(map[string]string, len(programs))
	for _, p := range programs {
		if p != "" {
			req[p] = ""
		}
	}
	return jsonutil.MarshalSilently(req)
}

// moleculePayloads loads the stored payloads of the given molecule ids,
// erroring on any miss.
func (s *Store) moleculePayloads(ctx context.Context, ids []int64) (map[int64]json.RawMessage, error) {
	uniq := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	rows, err := s.db.GetMolecules(ctx, uniq, false)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]json.RawMessage, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Payload
	}
	return out, nil
}

func validateSubmission(tag string, priority models.Priority) (string, error) {
	if !priority.Valid() {
		return "", qcerrors.NewInvalidInput("invalid priority %d", priority)
	}
	return models.NormalizeTag(tag), nil
}

// AddSinglepoints submits one singlepoint record per molecule id under a
// shared specification. Duplicates resolve to their existing record.
func (s *Store) AddSinglepoints(ctx context.Context, spec *models.QCSpecification, moleculeIDs []int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireMolecules(ctx, moleculeIDs); err != nil {
		return nil, nil, err
	}
	payloads, err := s.moleculePayloads(ctx, moleculeIDs)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(moleculeIDs))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		specID, err := resolveQCSpec(tx, spec)
		if err != nil {
			return err
		}
		for i, molID := range moleculeIDs {
			inputsHash, err := hash.Digest(map[string]interface{}{"molecule": molID})
			if err != nil {
				return err
			}
			rec := &model.Record{
				RecordType: string(models.RecordSinglepoint),
				SpecHash:   specHash,
				InputsHash: inputsHash,
				Tag:        tag,
				Priority:   int16(priority),
				OwnerUser:  owner,
			}
			id, created, err := database.InsertRecord(tx, rec, func(tx *gorm.DB, recordID int64) error {
				detail := &model.SinglepointRecord{
					RecordID:          recordID,
					QCSpecificationID: specID,
					MoleculeID:        molID,
				}
				if err := tx.Create(detail).Error; err != nil {
					return err
				}
				return database.CreateTask(tx, &model.TaskQueue{
					RecordID:         recordID,
					Tag:              tag,
					Priority:         int16(priority),
					RequiredPrograms: requiredPrograms(spec.Program),
					Payload:          singlepointTaskPayload(spec, payloads[molID]),
				})
			})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	klog.V(4).InfoS("submitted singlepoints", "count", len(ids), "inserted", len(meta.InsertedIdx))
	return ids, meta, nil
}

// addOptimizationTx inserts one optimization record with optional
// constraints inside tx; spec rows must already be resolved.
func addOptimizationTx(tx *gorm.DB, spec *models.OptimizationSpecification, specID int64,
	molID int64, molPayload, constraints json.RawMessage,
	tag string, priority models.Priority, owner string) (int64, bool, error) {
	specHash, err := spec.Hash()
	if err != nil {
		return 0, false, err
	}
	inputs := map[string]interface{}{"molecule": molID}
	if len(constraints) > 0 {
		inputs["constraints"] = constraints
	}
	inputsHash, err := hash.Digest(inputs)
	if err != nil {
		return 0, false, err
	}
	rec := &model.Record{
		RecordType: string(models.RecordOptimization),
		SpecHash:   specHash,
		InputsHash: inputsHash,
		Tag:        tag,
		Priority:   int16(priority),
		OwnerUser:  owner,
	}
	return database.InsertRecord(tx, rec, func(tx *gorm.DB, recordID int64) error {
		detail := &model.OptimizationRecord{
			RecordID:                    recordID,
			OptimizationSpecificationID: specID,
			InitialMoleculeID:           molID,
			Constraints:                 constraints,
		}
		if err := tx.Create(detail).Error; err != nil {
			return err
		}
		return database.CreateTask(tx, &model.TaskQueue{
			RecordID:         recordID,
			Tag:              tag,
			Priority:         int16(priority),
			RequiredPrograms: requiredPrograms(spec.Program, spec.QCSpecification.Program),
			Payload:          optimizationTaskPayload(spec, molPayload, constraints),
		})
	})
}

// AddOptimizations submits one optimization record per initial molecule id.
func (s *Store) AddOptimizations(ctx context.Context, spec *models.OptimizationSpecification, moleculeIDs []int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireMolecules(ctx, moleculeIDs); err != nil {
		return nil, nil, err
	}
	payloads, err := s.moleculePayloads(ctx, moleculeIDs)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(moleculeIDs))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		specID, err := resolveOptimizationSpec(tx, spec)
		if err != nil {
			return err
		}
		for i, molID := range moleculeIDs {
			id, created, err := addOptimizationTx(tx, spec, specID, molID, payloads[molID], nil, tag, priority, owner)
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}

// addServiceRecord inserts one service-based record: base row, caller's
// detail rows, and the service queue row awaiting its first iteration.
func addServiceRecord(tx *gorm.DB, recordType models.RecordType, specHash, inputsHash string,
	tag string, priority models.Priority, owner string,
	detail func(tx *gorm.DB, recordID int64) error) (int64, bool, error) {
	rec := &model.Record{
		RecordType: string(recordType),
		SpecHash:   specHash,
		InputsHash: inputsHash,
		IsService:  true,
		Tag:        tag,
		Priority:   int16(priority),
		OwnerUser:  owner,
	}
	return database.InsertRecord(tx, rec, func(tx *gorm.DB, recordID int64) error {
		if err := detail(tx, recordID); err != nil {
			return err
		}
		return database.CreateService(tx, &model.ServiceQueue{
			RecordID: recordID,
			Tag:      tag,
			Priority: int16(priority),
		})
	})
}

func sortedCopy(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddTorsiondrives submits one torsiondrive service per initial-molecule
// set. The set is order-insensitive for dedup.
func (s *Store) AddTorsiondrives(ctx context.Context, spec *models.TorsiondriveSpecification, initialMolecules [][]int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}
	for _, set := range initialMolecules {
		if err := s.requireMolecules(ctx, set); err != nil {
			return nil, nil, err
		}
	}

	ids := make([]int64, len(initialMolecules))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		optSpecID, err := resolveOptimizationSpec(tx, &spec.Optimization)
		if err != nil {
			return err
		}
		svcSpecID, err := resolveServiceSpec(tx, string(models.RecordTorsiondrive), specHash,
			spec.Optimization.Program, spec.Keywords, nil, &optSpecID)
		if err != nil {
			return err
		}
		for i, set := range initialMolecules {
			inputsHash, err := hash.Digest(map[string]interface{}{"initial_molecules": sortedCopy(set)})
			if err != nil {
				return err
			}
			molSet := set
			id, created, err := addServiceRecord(tx, models.RecordTorsiondrive, specHash, inputsHash,
				tag, priority, owner, func(tx *gorm.DB, recordID int64) error {
					detail := &model.TorsiondriveRecord{
						RecordID:               recordID,
						ServiceSpecificationID: svcSpecID,
					}
					if err := tx.Create(detail).Error; err != nil {
						return err
					}
					for pos, molID := range molSet {
						join := &model.TorsiondriveInitialMolecule{
							RecordID:   recordID,
							MoleculeID: molID,
							Position:   pos,
						}
						if err := tx.Create(join).Error; err != nil && !database.IsUniqueViolation(err) {
							return err
						}
					}
					return nil
				})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}

// AddGridoptimizations submits one gridoptimization service per starting
// molecule.
func (s *Store) AddGridoptimizations(ctx context.Context, spec *models.GridoptimizationSpecification, startingMolecules []int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireMolecules(ctx, startingMolecules); err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(startingMolecules))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		optSpecID, err := resolveOptimizationSpec(tx, &spec.Optimization)
		if err != nil {
			return err
		}
		svcSpecID, err := resolveServiceSpec(tx, string(models.RecordGridoptimization), specHash,
			spec.Optimization.Program, spec.Keywords, nil, &optSpecID)
		if err != nil {
			return err
		}
		for i, molID := range startingMolecules {
			inputsHash, err := hash.Digest(map[string]interface{}{"starting_molecule": molID})
			if err != nil {
				return err
			}
			startMol := molID
			id, created, err := addServiceRecord(tx, models.RecordGridoptimization, specHash, inputsHash,
				tag, priority, owner, func(tx *gorm.DB, recordID int64) error {
					return tx.Create(&model.GridoptimizationRecord{
						RecordID:               recordID,
						ServiceSpecificationID: svcSpecID,
						StartingMoleculeID:     startMol,
					}).Error
				})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}

// AddNEBs submits one nudged-elastic-band service per image chain. Chain
// order is significant and participates in dedup.
func (s *Store) AddNEBs(ctx context.Context, spec *models.NEBSpecification, chains [][]int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}
	for _, chain := range chains {
		if len(chain) < 3 {
			return nil, nil, qcerrors.NewInvalidInput("a neb chain requires at least 3 images, got %d", len(chain))
		}
		if err := s.requireMolecules(ctx, chain); err != nil {
			return nil, nil, err
		}
	}

	ids := make([]int64, len(chains))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		qcSpecID, err := resolveQCSpec(tx, &spec.QCSpecification)
		if err != nil {
			return err
		}
		svcSpecID, err := resolveServiceSpec(tx, string(models.RecordNEB), specHash,
			spec.Program, spec.Keywords, &qcSpecID, nil)
		if err != nil {
			return err
		}
		for i, chain := range chains {
			inputsHash, err := hash.Digest(map[string]interface{}{"chain": chain})
			if err != nil {
				return err
			}
			images := chain
			id, created, err := addServiceRecord(tx, models.RecordNEB, specHash, inputsHash,
				tag, priority, owner, func(tx *gorm.DB, recordID int64) error {
					if err := tx.Create(&model.NEBRecord{
						RecordID:               recordID,
						ServiceSpecificationID: svcSpecID,
					}).Error; err != nil {
						return err
					}
					for pos, molID := range images {
						join := &model.NEBInitialChain{
							RecordID:   recordID,
							MoleculeID: molID,
							Position:   pos,
						}
						if err := tx.Create(join).Error; err != nil && !database.IsUniqueViolation(err) {
							return err
						}
					}
					return nil
				})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}

// AddManybodys submits one manybody expansion service per initial molecule.
// The molecule must carry at least two fragments.
func (s *Store) AddManybodys(ctx context.Context, spec *models.ManybodySpecification, initialMolecules []int64,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}
	if err := s.requireMolecules(ctx, initialMolecules); err != nil {
		return nil, nil, err
	}

	ids := make([]int64, len(initialMolecules))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		qcSpecID, err := resolveQCSpec(tx, &spec.QCSpecification)
		if err != nil {
			return err
		}
		svcSpecID, err := resolveServiceSpec(tx, string(models.RecordManybody), specHash,
			"", spec.Keywords, &qcSpecID, nil)
		if err != nil {
			return err
		}
		for i, molID := range initialMolecules {
			inputsHash, err := hash.Digest(map[string]interface{}{"initial_molecule": molID})
			if err != nil {
				return err
			}
			initMol := molID
			id, created, err := addServiceRecord(tx, models.RecordManybody, specHash, inputsHash,
				tag, priority, owner, func(tx *gorm.DB, recordID int64) error {
					return tx.Create(&model.ManybodyRecord{
						RecordID:               recordID,
						ServiceSpecificationID: svcSpecID,
						InitialMoleculeID:      initMol,
					}).Error
				})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}

// AddReactions submits one reaction service per stoichiometry. Components
// are order-insensitive for dedup.
func (s *Store) AddReactions(ctx context.Context, spec *models.ReactionSpecification, stoichiometries [][]models.ReactionComponent,
	tag string, priority models.Priority, owner string) ([]int64, *InsertMetadata, error) {
	if err := spec.Validate(); err != nil {
		return nil, nil, qcerrors.NewInvalidInput("invalid specification: %v", err)
	}
	tag, err := validateSubmission(tag, priority)
	if err != nil {
		return nil, nil, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return nil, nil, err
	}
	for _, stoich := range stoichiometries {
		if len(stoich) == 0 {
			return nil, nil, qcerrors.NewInvalidInput("a reaction requires at least one component")
		}
		molIDs := make([]int64, len(stoich))
		for i, comp := range stoich {
			molIDs[i] = comp.MoleculeID
		}
		if err := s.requireMolecules(ctx, molIDs); err != nil {
			return nil, nil, err
		}
	}

	ids := make([]int64, len(stoichiometries))
	var meta *InsertMetadata
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		meta = &InsertMetadata{}
		qcSpecID, err := resolveQCSpec(tx, &spec.QCSpecification)
		if err != nil {
			return err
		}
		svcSpecID, err := resolveServiceSpec(tx, string(models.RecordReaction), specHash,
			"", spec.Keywords, &qcSpecID, nil)
		if err != nil {
			return err
		}
		for i, stoich := range stoichiometries {
			canonical := append([]models.ReactionComponent(nil), stoich...)
			sort.Slice(canonical, func(a, b int) bool { return canonical[a].MoleculeID < canonical[b].MoleculeID })
			inputsHash, err := hash.Digest(map[string]interface{}{"stoichiometry": canonical})
			if err != nil {
				return err
			}
			components := stoich
			id, created, err := addServiceRecord(tx, models.RecordReaction, specHash, inputsHash,
				tag, priority, owner, func(tx *gorm.DB, recordID int64) error {
					if err := tx.Create(&model.ReactionRecord{
						RecordID:               recordID,
						ServiceSpecificationID: svcSpecID,
					}).Error; err != nil {
						return err
					}
					for _, comp := range components {
						row := &model.ReactionComponent{
							RecordID:    recordID,
							MoleculeID:  comp.MoleculeID,
							Coefficient: comp.Coefficient,
						}
						if err := tx.Create(row).Error; err != nil && !database.IsUniqueViolation(err) {
							return err
						}
					}
					return nil
				})
			if err != nil {
				return err
			}
			ids[i] = id
			meta.record(i, created)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, meta, nil
}
