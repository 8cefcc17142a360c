// Package app is the interaction core: the UI emits immutable Intent values,
// one Dispatcher maps them to state changes and render submissions, and
// results come back as Event values on a channel.
package app

import (
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/viewport"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// ============================================================================
// Intent：UI → Dispatcher
// ============================================================================

// Intent is a user action. Intents are values; the dispatcher never keeps
// references into them.
type Intent interface {
	intent()
}

// EditChanged is one step of continuous input on a parameter (slider drag).
// Steps are coalesced by the debouncer; only the last one is applied.
type EditChanged struct {
	Param edit.ParamID
	Value float64
}

// EditCommitted is a final parameter value (slider release, typed value).
// It is applied at once, replacing any pending EditChanged on the same
// parameter.
type EditCommitted struct {
	Param edit.ParamID
	Value float64
}

// ZoomChanged zooms around a screen point (wheel, pinch).
type ZoomChanged struct {
	Cursor viewport.Point
	Delta  float64
}

// Panned moves the view by a screen-space delta.
type Panned struct {
	Delta viewport.Point
}

// ViewportResized reports a new surface size.
type ViewportResized struct {
	Size types.Resolution
}

// ViewReset returns to fit-to-window.
type ViewReset struct{}

// ImportRequested imports files or folders.
type ImportRequested struct {
	Paths []string
}

type Undo struct{}

type Redo struct{}

// ResetEdits applies the default snapshot as a new, undoable history entry.
type ResetEdits struct{}

// ToggleBeforeAfter switches between the edited and the unedited render.
type ToggleBeforeAfter struct{}

// ImageSelected makes an image current.
type ImageSelected struct {
	Image types.ImageID
}

type SelectNext struct{}

type SelectPrevious struct{}

// ExportRequested renders the current image at native resolution and
// writes it to Path as PNG. A zero Profile means sRGB.
type ExportRequested struct {
	Path    string
	Profile pipeline.DisplayProfile
}

func (EditChanged) intent()       {}
func (EditCommitted) intent()     {}
func (ZoomChanged) intent()       {}
func (Panned) intent()            {}
func (ViewportResized) intent()   {}
func (ViewReset) intent()         {}
func (ImportRequested) intent()   {}
func (Undo) intent()              {}
func (Redo) intent()              {}
func (ResetEdits) intent()        {}
func (ToggleBeforeAfter) intent() {}
func (ImageSelected) intent()     {}
func (SelectNext) intent()        {}
func (SelectPrevious) intent()    {}
func (ExportRequested) intent()   {}

// ============================================================================
// Event：Dispatcher → UI
// ============================================================================

// Event is delivered on Dispatcher.Events.
type Event interface {
	event()
}

// PreviewReady carries a finished preview render. Buffer belongs to the
// render cache and must not be modified.
type PreviewReady struct {
	Image     types.ImageID
	Snapshot  uint64 // hash of the rendered snapshot
	Before    bool   // rendered with the default snapshot for before/after
	Crop      types.Rect
	Buffer    *types.Buffer
	Histogram pipeline.Histogram
	CacheHit  bool
}

// RenderFailed reports a failed preview or export render.
type RenderFailed struct {
	Image   types.ImageID
	Purpose types.Purpose
	Err     error
}

// SelectionChanged reports the current image and its position.
type SelectionChanged struct {
	Image types.Image
	Index int
	Count int
}

// HistoryChanged reports the head of the current image's edit stack.
type HistoryChanged struct {
	Image   types.ImageID
	Head    edit.Snapshot
	CanUndo bool
	CanRedo bool
}

// ImportFinished reports a completed import request.
type ImportFinished struct {
	Report *importer.Report
	Err    error
}

// ExportFinished reports a completed export.
type ExportFinished struct {
	Image types.ImageID
	Path  string
	Err   error
}

// CommitFailed reports an edit that could not be written to the catalog.
// The edit is kept and retried on the next commit.
type CommitFailed struct {
	Image types.ImageID
	Err   error
}

func (PreviewReady) event()     {}
func (RenderFailed) event()     {}
func (SelectionChanged) event() {}
func (HistoryChanged) event()   {}
func (ImportFinished) event()   {}
func (ExportFinished) event()   {}
func (CommitFailed) event()     {}
