package matrix

import (
	"github.com/matrix-engine/internal/models"
	"github.com/matrix-engine/internal/types"
)

// Slot is an open position in a root's matrix
type Slot struct {
	Parent   string
	Layer    int
	Position types.MatrixPosition
	// Order is the 1-based insertion sequence within the layer
	Order int
}

// FindSlot returns the shallowest, leftmost open slot of root's matrix given
// every placement already in it. Parents are visited breadth-first and their
// children in L, M, R order, so layer k fills completely before layer k+1.
// ok is false when the matrix is full down to maxDepth.
func FindSlot(root string, placements []*models.Placement, maxDepth int) (slot Slot, ok bool) {
	children := make(map[string]*[3]string, len(placements))
	layerCount := make(map[int]int)
	for _, p := range placements {
		idx := p.MatrixPosition.Index()
		if idx < 0 {
			continue
		}
		kids := children[p.MatrixParent]
		if kids == nil {
			kids = &[3]string{}
			children[p.MatrixParent] = kids
		}
		kids[idx] = p.MemberWallet
		layerCount[p.MatrixLayer]++
	}

	type node struct {
		wallet string
		depth  int
	}
	queue := []node{{wallet: root}}
	seen := map[string]bool{root: true}
	for i := 0; i < len(queue); i++ {
		n := queue[i]
		if n.depth >= maxDepth {
			break
		}
		kids := children[n.wallet]
		for idx, pos := range types.Positions {
			if kids == nil || kids[idx] == "" {
				return Slot{
					Parent:   n.wallet,
					Layer:    n.depth + 1,
					Position: pos,
					Order:    layerCount[n.depth+1] + 1,
				}, true
			}
			if !seen[kids[idx]] {
				seen[kids[idx]] = true
				queue = append(queue, node{wallet: kids[idx], depth: n.depth + 1})
			}
		}
	}
	return Slot{}, false
}

// LayerCapacity returns 3^layer.
func LayerCapacity(layer int) int64 {
	c := int64(1)
	for i := 0; i < layer; i++ {
		c *= 3
	}
	return c
}
