package challenge

import "sync"

// DefaultGridTiles is the number of tiles presented by a grid challenge.
const DefaultGridTiles = 9

// Grid is the selection-based step-up challenge: a fixed set of tiles the
// user toggles, then verifies.
//
// Verify passes whenever the selection is non-empty. There is no ground-truth
// answer key — this faithfully preserves the observed placeholder behavior
// and is a materially weak check. A production deployment must swap in a real
// classification oracle before relying on it.
type Grid struct {
	mu       sync.Mutex
	tiles    int
	selected map[int]bool
	state    State

	complete completion
}

// NewGrid creates a grid challenge with the given tile count (defaulted when
// non-positive).
func NewGrid(tiles int, onComplete CompleteFunc) *Grid {
	if tiles <= 0 {
		tiles = DefaultGridTiles
	}
	g := &Grid{
		tiles:    tiles,
		selected: make(map[int]bool),
		state:    StateSelecting,
	}
	g.complete.fn = onComplete
	return g
}

// State returns the current machine state.
func (g *Grid) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Toggle flips the selection of a tile. Out-of-range indexes are ignored.
// Toggling twice returns the tile to unselected; there is no selection limit.
func (g *Grid) Toggle(tile int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateSelecting || tile < 0 || tile >= g.tiles {
		return
	}
	if g.selected[tile] {
		delete(g.selected, tile)
	} else {
		g.selected[tile] = true
	}
}

// Selected reports whether a tile is currently selected.
func (g *Grid) Selected(tile int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selected[tile]
}

// SelectionCount returns the number of selected tiles.
func (g *Grid) SelectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.selected)
}

// Verify resolves the challenge. With at least one tile selected it passes
// and fires the completion callback; with none selected it does nothing and
// the user may keep selecting.
func (g *Grid) Verify() {
	g.mu.Lock()
	if g.state != StateSelecting || len(g.selected) == 0 {
		g.mu.Unlock()
		return
	}
	g.state = StatePassed
	g.mu.Unlock()

	g.complete.fire(true)
}
