package sqlite

import (
	"context"
	"database/sql"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

const costCols = `id, name, mapping_id, pricing_model, input_per_million,
	output_per_million, per_second, per_character, per_image, priority`

// CreateCost inserts a pricing rule.
func (s *Store) CreateCost(ctx context.Context, c *conduit.ModelCost) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_costs (id, name, mapping_id, pricing_model, input_per_million,
		 output_per_million, per_second, per_character, per_image, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.MappingID, c.PricingModel,
		c.InputPerMillion.String(), c.OutputPerMillion.String(),
		c.PerSecond.String(), c.PerCharacter.String(), c.PerImage.String(), c.Priority,
	)
	return err
}

// GetCostForMapping returns the highest-priority pricing rule for a
// mapping, the billing hot read.
func (s *Store) GetCostForMapping(ctx context.Context, mappingID string) (*conduit.ModelCost, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+costCols+` FROM model_costs
		 WHERE mapping_id = ? ORDER BY priority DESC, id LIMIT 1`, mappingID,
	)
	return scanCost(row)
}

// ListCosts returns all pricing rules.
func (s *Store) ListCosts(ctx context.Context) ([]*conduit.ModelCost, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+costCols+` FROM model_costs ORDER BY mapping_id, priority DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var costs []*conduit.ModelCost
	for rows.Next() {
		c, err := scanCost(rows)
		if err != nil {
			return nil, err
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

// DeleteCost removes a pricing rule.
func (s *Store) DeleteCost(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM model_costs WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model cost")
}

func scanCost(s scanner) (*conduit.ModelCost, error) {
	var c conduit.ModelCost
	var name sql.NullString
	var input, output, perSecond, perChar, perImage string

	err := s.Scan(&c.ID, &name, &c.MappingID, &c.PricingModel,
		&input, &output, &perSecond, &perChar, &perImage, &c.Priority)
	if err != nil {
		return nil, notFoundErr(err)
	}
	c.Name = name.String

	if c.InputPerMillion, err = parseDecimal(input); err != nil {
		return nil, err
	}
	if c.OutputPerMillion, err = parseDecimal(output); err != nil {
		return nil, err
	}
	if c.PerSecond, err = parseDecimal(perSecond); err != nil {
		return nil, err
	}
	if c.PerCharacter, err = parseDecimal(perChar); err != nil {
		return nil, err
	}
	if c.PerImage, err = parseDecimal(perImage); err != nil {
		return nil, err
	}
	return &c, nil
}
