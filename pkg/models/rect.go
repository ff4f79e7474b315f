package models

// SelectionRect is a capture rectangle in device pixels
type SelectionRect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// MinSelectionSize is the smallest usable selection edge in pixels.
// Anything smaller is treated as "no selection".
const MinSelectionSize = 5
