/*
 * Copyright (C) 2026, The Molecular Sciences Software Institute. All rights reserved.
 * See LICENSE for license information.
 */

package database

import (
	"context"
	"errors"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"gorm.io/gorm"
	"k8s.io/klog/v2"

	"github.com/MolSSI/QCFractal-sub000/pkg/database/model"
	qcerrors "github.com/MolSSI/QCFractal-sub000/pkg/errors"
)

// UpsertMolecules inserts each row whose hash is absent and resolves the
// rest to their existing ids. Returns parallel ids and inserted flags in
// request order.
func (c *Client) UpsertMolecules(ctx context.Context, rows []*model.Molecule) ([]int64, []bool, error) {
	ids := make([]int64, len(rows))
	inserted := make([]bool, len(rows))
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		for i, row := range rows {
			id, created, err := upsertByHash(tx, row, row.MoleculeHash)
			if err != nil {
				return err
			}
			ids[i] = id
			inserted[i] = created
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, inserted, nil
}

// upsertByHash is the shared hash-dedup insert used for molecules, keyword
// sets and specifications. The unique index is the arbiter: a concurrent
// insert of the same hash loses the race and re-reads the winner's id.
func upsertByHash[T any](tx *gorm.DB, row *T, hash string) (int64, bool, error) {
	find := func() (int64, error) {
		var existing struct{ ID int64 }
		err := tx.Model(row).Select("id").Where(hashColumnOf(row)+" = ?", hash).
			Take(&existing).Error
		return existing.ID, err
	}
	id, err := find()
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, err
	}
	if err := tx.Create(row).Error; err != nil {
		if IsUniqueViolation(err) {
			id, err = find()
			return id, false, err
		}
		return 0, false, err
	}
	id, err = find()
	return id, true, err
}

func hashColumnOf(row interface{}) string {
	switch row.(type) {
	case *model.Molecule:
		return "molecule_hash"
	case *model.KeywordSet:
		return "keyword_hash"
	default:
		return "spec_hash"
	}
}

// GetMolecules returns molecules in request order. Misses are nil entries
// when missingOK, an error otherwise.
func (c *Client) GetMolecules(ctx context.Context, ids []int64, missingOK bool) ([]*model.Molecule, error) {
	var rows []*model.Molecule
	if err := c.gorm.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Molecule, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]*model.Molecule, len(ids))
	for i, id := range ids {
		row, ok := byID[id]
		if !ok && !missingOK {
			return nil, qcerrors.NewNotFound("molecule %d not found", id)
		}
		out[i] = row
	}
	return out, nil
}

// MoleculeFilter narrows molecule queries.
type MoleculeFilter struct {
	IDs      []int64
	Hashes   []string
	Formulas []string
	Limit    int
	Skip     int
}

func (f *MoleculeFilter) conditions() sqrl.And {
	var cond sqrl.And
	if len(f.IDs) > 0 {
		cond = append(cond, sqrl.Eq{"id": f.IDs})
	}
	if len(f.Hashes) > 0 {
		cond = append(cond, sqrl.Eq{"molecule_hash": f.Hashes})
	}
	if len(f.Formulas) > 0 {
		cond = append(cond, sqrl.Eq{"formula": f.Formulas})
	}
	return cond
}

// QueryMolecules streams one page of matches plus the total count.
func (c *Client) QueryMolecules(ctx context.Context, filter *MoleculeFilter) ([]*model.Molecule, int, error) {
	start := time.Now()
	cond := filter.conditions()
	total, err := c.countRows(ctx, model.TableNameMolecule, cond)
	if err != nil {
		return nil, 0, err
	}
	sql, args, err := c.selectBuilder("*").
		From(model.TableNameMolecule).
		Where(cond).
		OrderBy("id ASC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Skip)).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var rows []*model.Molecule
	if err := c.getDB().SelectContext(ctx, &rows, sql, args...); err != nil {
		return nil, 0, err
	}
	klog.V(4).InfoS("queried molecules", "matched", total, "returned", len(rows), "cost", time.Since(start))
	return rows, total, nil
}

func (c *Client) countRows(ctx context.Context, table string, cond sqrl.Sqlizer) (int, error) {
	sql, args, err := c.selectBuilder("COUNT(*)").From(table).Where(cond).ToSql()
	if err != nil {
		return 0, err
	}
	var cnt int
	err = c.getDB().GetContext(ctx, &cnt, sql, args...)
	return cnt, err
}

// UpsertKeywordSets mirrors UpsertMolecules for keyword sets.
func (c *Client) UpsertKeywordSets(ctx context.Context, rows []*model.KeywordSet) ([]int64, []bool, error) {
	ids := make([]int64, len(rows))
	inserted := make([]bool, len(rows))
	err := c.RetryTxn(ctx, func(tx *gorm.DB) error {
		for i, row := range rows {
			id, created, err := upsertByHash(tx, row, row.KeywordHash)
			if err != nil {
				return err
			}
			ids[i] = id
			inserted[i] = created
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, inserted, nil
}

// GetKeywordSets returns keyword sets in request order with missing_ok
// semantics.
func (c *Client) GetKeywordSets(ctx context.Context, ids []int64, missingOK bool) ([]*model.KeywordSet, error) {
	var rows []*model.KeywordSet
	if err := c.gorm.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.KeywordSet, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]*model.KeywordSet, len(ids))
	for i, id := range ids {
		row, ok := byID[id]
		if !ok && !missingOK {
			return nil, qcerrors.NewNotFound("keyword set %d not found", id)
		}
		out[i] = row
	}
	return out, nil
}
