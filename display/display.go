// Package display defines the drawing surface the transfer engine
// paints status onto. The engine decides what to show and when; a
// Renderer decides how. The e-ink implementation lives in the firmware
// tree; Terminal here serves the CLI and tests.
package display

// Renderer is the drawing collaborator consumed by the engine's render
// worker. Implementations need not be safe for concurrent use; the
// engine serializes calls under its render mutex.
type Renderer interface {
	// Size returns the drawable area in cells or pixels.
	Size() (width, height int)
	Clear()
	DrawCenteredText(y int, text string)
	DrawText(x, y int, text string)
	DrawProgressBar(x, y, width, height int, value, max uint64)
	// Present pushes the composed frame to the physical surface.
	Present()
}
