package models

import (
	"time"

	"github.com/matrix-engine/internal/types"
)

// Placement is a member's slot in its referrer's matrix
type Placement struct {
	MemberWallet   string               `json:"memberWallet"`
	MatrixRoot     string               `json:"matrixRoot"`
	MatrixParent   string               `json:"matrixParent"`
	MatrixLayer    int                  `json:"matrixLayer"`
	MatrixPosition types.MatrixPosition `json:"matrixPosition"`
	PlacementOrder int                  `json:"placementOrder"`
	PlacementType  types.PlacementType  `json:"placementType"`
	IsActive       bool                 `json:"isActive"`
	PlacedAt       time.Time            `json:"placedAt"`
}

// LayerStat is the occupancy of one layer of a matrix
type LayerStat struct {
	Layer       int     `json:"layer"`
	Members     int     `json:"members"`
	Capacity    int64   `json:"capacity"`
	FillPercent float64 `json:"fillPercent"`
}

// MatrixStats is the read-model projection of one root's matrix
type MatrixStats struct {
	RootWallet          string      `json:"rootWallet"`
	TotalMembers        int         `json:"totalMembers"`
	DirectPlacements    int         `json:"directPlacements"`
	SpilloverPlacements int         `json:"spilloverPlacements"`
	DeepestLayer        int         `json:"deepestLayer"`
	Layers              []LayerStat `json:"layers"`
	ComputedAt          time.Time   `json:"computedAt"`
}
