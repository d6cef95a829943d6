// Package othello implements the game rules: move legality, capture
// resolution, turn advancement, and terminal detection. Everything in this
// package is a pure function over board values; no game bookkeeping or I/O
// happens here.
package othello

// Cell is the contents of a single board square. The numeric values match
// the 2-bit wire encoding and must not be reordered.
type Cell uint8

const (
	Empty Cell = iota
	Black
	White
)

func (c Cell) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	default:
		return "empty"
	}
}

// Opponent returns the opposing color. Calling it on Empty is meaningless
// and returns Empty.
func (c Cell) Opponent() Cell {
	switch c {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

// Size is the width and height of the board.
const Size = 8

// Board is the full game position, indexed [y][x] with (0,0) the top-left
// square (A1) and (7,7) the bottom-right (H8).
type Board [Size][Size]Cell

// Point identifies a board square.
type Point struct {
	X, Y int
}

// NewBoard returns the starting position: the standard four-stone cross in
// the center squares (d4=white, e4=black, d5=black, e5=white).
func NewBoard() Board {
	var b Board
	b[3][3] = White
	b[3][4] = Black
	b[4][3] = Black
	b[4][4] = White
	return b
}

// InBounds reports whether (x,y) is a real board square.
func InBounds(x, y int) bool {
	return x >= 0 && x < Size && y >= 0 && y < Size
}

// The eight capture directions, clockwise from north.
var directions = [8]Point{
	{0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1},
}

// Legal returns every square captured by placing color at (x,y), or nil if
// the placement is illegal. A placement is legal iff the square is empty
// and at least one direction holds a positive run of opponent stones
// terminated by one of color's own stones.
func Legal(b Board, color Cell, x, y int) []Point {
	if color == Empty || !InBounds(x, y) || b[y][x] != Empty {
		return nil
	}

	var captured []Point
	opponent := color.Opponent()

	for _, d := range directions {
		cx, cy := x+d.X, y+d.Y
		var run []Point

		for InBounds(cx, cy) && b[cy][cx] == opponent {
			run = append(run, Point{cx, cy})
			cx += d.X
			cy += d.Y
		}

		// The run only counts if it's bounded by one of our own stones;
		// an edge or an empty square captures nothing.
		if len(run) > 0 && InBounds(cx, cy) && b[cy][cx] == color {
			captured = append(captured, run...)
		}
	}

	return captured
}

// Apply places color at (x,y) and flips every captured stone, returning the
// resulting position. The second return value is the capture set; it is nil
// iff the move was illegal, in which case the board is returned unchanged.
func Apply(b Board, color Cell, x, y int) (Board, []Point) {
	captured := Legal(b, color, x, y)
	if captured == nil {
		return b, nil
	}

	b[y][x] = color
	for _, p := range captured {
		b[p.Y][p.X] = color
	}
	return b, captured
}

// HasAnyLegal reports whether color has at least one legal move.
func HasAnyLegal(b Board, color Cell) bool {
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			if Legal(b, color, x, y) != nil {
				return true
			}
		}
	}
	return false
}

// Terminal reports whether neither color has a legal move. A full board is
// one such position but not the only one.
func Terminal(b Board) bool {
	return !HasAnyLegal(b, Black) && !HasAnyLegal(b, White)
}

// Score counts the stones of each color.
func Score(b Board) (black, white int) {
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			switch b[y][x] {
			case Black:
				black++
			case White:
				white++
			}
		}
	}
	return black, white
}

// Advance applies the turn-advancement policy after mover has completed a
// ply on board b at turn counter turn:
//
//  1. If the opponent has a legal move, they move next.
//  2. Otherwise, if the mover still has a legal move, the opponent is
//     forced to pass and the mover moves again.
//  3. Otherwise the game is over and toMove is Empty.
//
// The counter increments by one in every case: the ply that ended the
// game still counts.
func Advance(b Board, mover Cell, turn uint32) (nextTurn uint32, toMove Cell, completed bool) {
	opponent := mover.Opponent()

	switch {
	case HasAnyLegal(b, opponent):
		return turn + 1, opponent, false
	case HasAnyLegal(b, mover):
		return turn + 1, mover, false
	default:
		return turn + 1, Empty, true
	}
}

// ColorAt returns the color whose turn parity matches the given counter:
// black on odd turns, white on even.
func ColorAt(turn uint32) Cell {
	if turn%2 == 1 {
		return Black
	}
	return White
}
