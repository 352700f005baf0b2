package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/matrix-engine/internal/errors"
	"github.com/matrix-engine/internal/models"
)

const placementColumns = `
	member_wallet, matrix_root, matrix_parent, matrix_layer, matrix_position,
	placement_order, placement_type, is_active, placed_at
`

// PlacementRepository persists matrix placements. The slot unique
// constraint is what makes concurrent placement safe.
type PlacementRepository struct {
	db *PostgresDB
}

// NewPlacementRepository creates a new placement repository
func NewPlacementRepository(db *PostgresDB) *PlacementRepository {
	return &PlacementRepository{db: db}
}

func scanPlacement(row pgx.Row) (*models.Placement, error) {
	var p models.Placement
	err := row.Scan(
		&p.MemberWallet,
		&p.MatrixRoot,
		&p.MatrixParent,
		&p.MatrixLayer,
		&p.MatrixPosition,
		&p.PlacementOrder,
		&p.PlacementType,
		&p.IsActive,
		&p.PlacedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertPlacement inserts a placement. An occupied slot is ErrSlotTaken, an
// already placed member is ErrDuplicate.
func (r *PlacementRepository) InsertPlacement(ctx context.Context, p *models.Placement) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO matrix_placements (`+placementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		p.MemberWallet,
		p.MatrixRoot,
		p.MatrixParent,
		p.MatrixLayer,
		p.MatrixPosition,
		p.PlacementOrder,
		p.PlacementType,
		p.IsActive,
		p.PlacedAt,
	)
	if err == nil {
		return nil
	}

	code, constraint := pgErrorCode(err)
	switch {
	case code == pgUniqueViolation && constraint == "matrix_placements_slot_key":
		return apperrors.ErrSlotTaken
	case code == pgUniqueViolation:
		return apperrors.ErrDuplicate
	case code == pgForeignKeyViolation:
		return apperrors.ErrNotFound
	}
	return fmt.Errorf("failed to insert placement: %w", err)
}

// GetPlacement returns a member's placement.
func (r *PlacementRepository) GetPlacement(ctx context.Context, member string) (*models.Placement, error) {
	p, err := scanPlacement(r.db.Pool().QueryRow(ctx, `
		SELECT `+placementColumns+` FROM matrix_placements WHERE member_wallet = $1
	`, member))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get placement: %w", err)
	}
	return p, nil
}

// ListPlacements returns root's placements ordered by layer and order.
func (r *PlacementRepository) ListPlacements(ctx context.Context, root string) ([]*models.Placement, error) {
	return r.query(ctx, `
		SELECT `+placementColumns+` FROM matrix_placements
		WHERE matrix_root = $1
		ORDER BY matrix_layer, placement_order, placed_at
	`, root)
}

// LayerMembers returns one layer of root's matrix.
func (r *PlacementRepository) LayerMembers(ctx context.Context, root string, layer int) ([]*models.Placement, error) {
	return r.query(ctx, `
		SELECT `+placementColumns+` FROM matrix_placements
		WHERE matrix_root = $1 AND matrix_layer = $2
		ORDER BY placement_order, placed_at
	`, root, layer)
}

func (r *PlacementRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Placement, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query placements: %w", err)
	}
	defer rows.Close()

	out := []*models.Placement{}
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LayerCounts returns the occupancy of each layer of root's matrix.
func (r *PlacementRepository) LayerCounts(ctx context.Context, root string) (map[int]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT matrix_layer, COUNT(*) FROM matrix_placements
		WHERE matrix_root = $1
		GROUP BY matrix_layer
	`, root)
	if err != nil {
		return nil, fmt.Errorf("failed to count layers: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var layer, n int
		if err := rows.Scan(&layer, &n); err != nil {
			return nil, fmt.Errorf("failed to scan layer count: %w", err)
		}
		counts[layer] = n
	}
	return counts, rows.Err()
}

// RecentRoots lists roots with a placement at or after since.
func (r *PlacementRepository) RecentRoots(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT matrix_root FROM matrix_placements
		WHERE placed_at >= $1
		ORDER BY matrix_root
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent roots: %w", err)
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, fmt.Errorf("failed to scan root: %w", err)
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}
