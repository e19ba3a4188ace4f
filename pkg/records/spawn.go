/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package records

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/MolSSI/QCFractal-sub000/pkg/blob"
	"github.com/MolSSI/QCFractal-sub000/pkg/database"
	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
	"github.com/MolSSI/QCFractal-sub000/pkg/hash"
	"github.com/MolSSI/QCFractal-sub000/pkg/jsonutil"
	"github.com/MolSSI/QCFractal-sub000/pkg/models"
)

// The methods below are the service-driver surface: spawning deduplicated
// children linked into the dependency DAG, loading stored specifications
// back into their value forms, and settling service records.

// UpsertMolecule stores one molecule, returning its id (existing on dedup).
func (s *Store) UpsertMolecule(ctx context.Context, mol *models.Molecule) (int64, error) {
	ids, meta, err := s.AddMolecules(ctx, []*models.Molecule{mol})
	if err != nil {
		return 0, err
	}
	if len(meta.Errors) > 0 {
		return 0, qcerrors.NewInvalidInput("invalid molecule: %s", meta.Errors[0].Error)
	}
	return ids[0], nil
}

// GetMoleculeValue loads a stored molecule back into its value form.
func (s *Store) GetMoleculeValue(ctx context.Context, id int64) (*models.Molecule, error) {
	rows, err := s.db.GetMolecules(ctx, []int64{id}, false)
	if err != nil {
		return nil, err
	}
	var mol models.Molecule
	if err := json.Unmarshal(rows[0].Payload, &mol); err != nil {
		return nil, qcerrors.NewInternal(fmt.Errorf("stored molecule %d is unreadable: %w", id, err))
	}
	return &mol, nil
}

// SpawnOptimization creates (or resolves) a child optimization of a service
// record, linking the dependency edge at the given position. Constraints
// participate in dedup, so the same constrained point never runs twice.
func (s *Store) SpawnOptimization(ctx context.Context, parentID int64, spec *models.OptimizationSpecification,
	moleculeID int64, constraints json.RawMessage, tag string, priority models.Priority, owner string, position int) (int64, error) {
	payloads, err := s.moleculePayloads(ctx, []int64{moleculeID})
	if err != nil {
		return 0, err
	}
	var childID int64
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		specID, err := resolveOptimizationSpec(tx, spec)
		if err != nil {
			return err
		}
		id, _, err := addOptimizationTx(tx, spec, specID, moleculeID, payloads[moleculeID], constraints, tag, priority, owner)
		if err != nil {
			return err
		}
		childID = id
		return database.AddDependencies(tx, parentID, []int64{id}, position)
	})
	return childID, err
}

// SpawnSinglepoint creates (or resolves) a child singlepoint of a service
// record, linking the dependency edge at the given position.
func (s *Store) SpawnSinglepoint(ctx context.Context, parentID int64, spec *models.QCSpecification,
	moleculeID int64, tag string, priority models.Priority, owner string, position int) (int64, error) {
	payloads, err := s.moleculePayloads(ctx, []int64{moleculeID})
	if err != nil {
		return 0, err
	}
	specHash, err := spec.Hash()
	if err != nil {
		return 0, err
	}
	var childID int64
	err = s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		specID, err := resolveQCSpec(tx, spec)
		if err != nil {
			return err
		}
		inputsHash, err := hash.Digest(map[string]interface{}{"molecule": moleculeID})
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
		id, _, err := database.InsertRecord(tx, rec, func(tx *gorm.DB, recordID int64) error {
			if err := tx.Create(&model.SinglepointRecord{
				RecordID:          recordID,
				QCSpecificationID: specID,
				MoleculeID:        moleculeID,
			}).Error; err != nil {
				return err
			}
			return database.CreateTask(tx, &model.TaskQueue{
				RecordID:         recordID,
				Tag:              tag,
				Priority:         int16(priority),
				RequiredPrograms: requiredPrograms(spec.Program),
				Payload:          singlepointTaskPayload(spec, payloads[moleculeID]),
			})
		})
		if err != nil {
			return err
		}
		childID = id
		return database.AddDependencies(tx, parentID, []int64{id}, position)
	})
	return childID, err
}

// LoadQCSpec rehydrates a stored singlepoint spec into its value form.
func (s *Store) LoadQCSpec(ctx context.Context, id int64) (*models.QCSpecification, error) {
	row, err := s.db.GetQCSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	spec := &models.QCSpecification{
		Program: row.Program,
		Driver:  models.Driver(row.Driver),
		Method:  row.Method,
		Basis:   row.Basis,
	}
	if len(row.Keywords) > 0 {
		if err := json.Unmarshal(row.Keywords, &spec.Keywords); err != nil {
			return nil, qcerrors.NewInternal(fmt.Errorf("stored qc spec %d keywords unreadable: %w", id, err))
		}
	}
	if len(row.Protocols) > 0 {
		if err := json.Unmarshal(row.Protocols, &spec.Protocols); err != nil {
			return nil, qcerrors.NewInternal(fmt.Errorf("stored qc spec %d protocols unreadable: %w", id, err))
		}
	}
	return spec, nil
}

// LoadOptimizationSpec rehydrates a stored optimization spec, inner QC spec
// included.
func (s *Store) LoadOptimizationSpec(ctx context.Context, id int64) (*models.OptimizationSpecification, error) {
	row, err := s.db.GetOptimizationSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	inner, err := s.LoadQCSpec(ctx, row.QCSpecificationID)
	if err != nil {
		return nil, err
	}
	spec := &models.OptimizationSpecification{
		Program:         row.Program,
		QCSpecification: *inner,
	}
	if len(row.Keywords) > 0 {
		if err := json.Unmarshal(row.Keywords, &spec.Keywords); err != nil {
			return nil, qcerrors.NewInternal(fmt.Errorf("stored optimization spec %d keywords unreadable: %w", id, err))
		}
	}
	if len(row.Protocols) > 0 {
		if err := json.Unmarshal(row.Protocols, &spec.Protocols); err != nil {
			return nil, qcerrors.NewInternal(fmt.Errorf("stored optimization spec %d protocols unreadable: %w", id, err))
		}
	}
	return spec, nil
}

// MarkServiceRunning flips a waiting service record to running when its
// first iteration starts. Already-running records are left alone.
func (s *Store) MarkServiceRunning(ctx context.Context, recordID int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		_, err := database.UpdateStatusGuarded(tx, recordID,
			[]models.RecordStatus{models.StatusWaiting}, models.StatusRunning, nil)
		return err
	})
}

// CompleteService settles a service record as complete: status flip, service
// row removal, parent notification. The driver writes its summary before
// calling this.
func (s *Store) CompleteService(ctx context.Context, recordID int64) error {
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, recordID,
			[]models.RecordStatus{models.StatusRunning, models.StatusWaiting}, models.StatusComplete, nil)
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewInvalidTransition("service record %d is no longer active", recordID)
		}
		if err := database.DeleteServiceByRecord(tx, recordID); err != nil {
			return err
		}
		return database.NudgeParents(tx, recordID)
	})
}

// FailService settles a service record as errored: the error payload goes to
// a blob referenced from a new compute-history entry.
func (s *Store) FailService(ctx context.Context, recordID int64, errPayload *models.ErrorPayload) error {
	blobID, err := blob.PutJSON(ctx, s.blobs, blob.ContentTypeJSON, errPayload)
	if err != nil {
		return err
	}
	return s.db.RetryTxn(ctx, func(tx *gorm.DB) error {
		ok, err := database.UpdateStatusGuarded(tx, recordID,
			[]models.RecordStatus{models.StatusRunning, models.StatusWaiting}, models.StatusError, nil)
		if err != nil {
			return err
		}
		if !ok {
			return qcerrors.NewInvalidTransition("service record %d is no longer active", recordID)
		}
		if err := database.AddComputeHistory(tx, &model.RecordComputeHistory{
			RecordID:  recordID,
			Status:    string(models.StatusError),
			ErrorBlob: &blobID,
		}); err != nil {
			return err
		}
		if err := database.DeleteServiceByRecord(tx, recordID); err != nil {
			return err
		}
		return database.NudgeParents(tx, recordID)
	})
}

// Finalize writers: each stores the variant summary on the detail row.

func (s *Store) FinalizeTorsiondrive(ctx context.Context, recordID int64, optimizations map[string][]int64, minimumEnergies map[string]float64) error {
	return s.db.Gorm().WithContext(ctx).Model(&model.TorsiondriveRecord{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"optimizations":    jsonutil.MarshalSilently(optimizations),
			"minimum_energies": jsonutil.MarshalSilently(minimumEnergies),
		}).Error
}

func (s *Store) FinalizeGridoptimization(ctx context.Context, recordID int64, optimizations map[string]int64, energies map[string]float64) error {
	return s.db.Gorm().WithContext(ctx).Model(&model.GridoptimizationRecord{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"optimizations": jsonutil.MarshalSilently(optimizations),
			"energies":      jsonutil.MarshalSilently(energies),
		}).Error
}

func (s *Store) FinalizeNEB(ctx context.Context, recordID int64, tsMoleculeID int64, tsEnergy float64, iterations int) error {
	return s.db.Gorm().WithContext(ctx).Model(&model.NEBRecord{}).
		Where("record_id = ?", recordID).
		Updates(map[string]interface{}{
			"ts_molecule_id": tsMoleculeID,
			"ts_energy":      tsEnergy,
			"iterations":     iterations,
		}).Error
}

func (s *Store) FinalizeManybody(ctx context.Context, recordID int64, results interface{}) error {
	return s.db.Gorm().WithContext(ctx).Model(&model.ManybodyRecord{}).
		Where("record_id = ?", recordID).
		Update("results", jsonutil.MarshalSilently(results)).Error
}

func (s *Store) FinalizeReaction(ctx context.Context, recordID int64, totalEnergy float64, singlepoints map[int64]int64) error {
	gdb := s.db.Gorm().WithContext(ctx)
	for moleculeID, spID := range singlepoints {
		err := gdb.Model(&model.ReactionComponent{}).
			Where("record_id = ? AND molecule_id = ?", recordID, moleculeID).
			Update("singlepoint_record_id", spID).Error
		if err != nil {
			return err
		}
	}
	return gdb.Model(&model.ReactionRecord{}).
		Where("record_id = ?", recordID).
		Update("total_energy", totalEnergy).Error
}
