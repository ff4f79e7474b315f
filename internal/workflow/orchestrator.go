package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/snaprelay/snaprelay/internal/imaging"
	"github.com/snaprelay/snaprelay/pkg/models"
)

// Status is the workflow state of the single global session
type Status string

const (
	StatusIdle              Status = "idle"
	StatusNavigating        Status = "navigating"
	StatusAwaitingSelection Status = "awaiting_selection"
	StatusUploading         Status = "uploading"
)

// ErrBusy is returned when an activation arrives while a workflow is
// already in flight.
var ErrBusy = errors.New("a capture workflow is already in flight")

// DefaultSelectionPrompt is shown by the overlay when selection starts
const DefaultSelectionPrompt = "Select an area"

// Allowlist decides whether a target URL may be navigated to
type Allowlist interface {
	Allowed(url string) bool
}

// Navigator drives a tab to a URL and returns once it finished loading
type Navigator interface {
	Navigate(ctx context.Context, tabID, url string) error
}

// Messenger delivers messages to a tab's selection UI
type Messenger interface {
	SendWithRetry(ctx context.Context, tabID string, msg models.UIMessage, attempts int) bool
	Broadcast(msg models.UIMessage)
}

// Capturer grabs a tab's visible viewport as encoded image bytes
type Capturer interface {
	Capture(ctx context.Context, tabID string) ([]byte, error)
}

// Uploader posts a cropped capture to the session's upload target
type Uploader interface {
	Upload(ctx context.Context, target string, rect models.SelectionRect, img []byte, token string) error
}

// VisibilityStore persists the overlay-visible flag across restarts
type VisibilityStore interface {
	Load() bool
	Set(visible bool)
}

// session is the single record describing the in-flight workflow.
// All of its fields are cleared together whenever status returns to
// idle, so no credential or URL survives between sessions.
type session struct {
	status       Status
	tabID        string
	returnURL    string
	targetURL    string
	uploadTarget string
	authToken    string
}

// Config wires the orchestrator's collaborators
type Config struct {
	Allowlist       Allowlist
	Navigator       Navigator
	Messenger       Messenger
	Capturer        Capturer
	Uploader        Uploader
	Visibility      VisibilityStore
	SelectionPrompt string
}

// Orchestrator is the workflow state machine. Exactly one session
// exists; every handler checks and transitions its status under the
// lock before any blocking work, which closes the race between
// near-simultaneous requests.
type Orchestrator struct {
	mu   sync.Mutex
	sess session

	allow    Allowlist
	nav      Navigator
	ui       Messenger
	capturer Capturer
	uploader Uploader
	vis      VisibilityStore
	prompt   string
}

// New creates an idle orchestrator
func New(cfg Config) *Orchestrator {
	prompt := cfg.SelectionPrompt
	if prompt == "" {
		prompt = DefaultSelectionPrompt
	}
	return &Orchestrator{
		sess:     session{status: StatusIdle},
		allow:    cfg.Allowlist,
		nav:      cfg.Navigator,
		ui:       cfg.Messenger,
		capturer: cfg.Capturer,
		uploader: cfg.Uploader,
		vis:      cfg.Visibility,
		prompt:   prompt,
	}
}

// Status returns the current workflow status
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.status
}

// Activate begins the capture workflow: validate, navigate to the
// target, then instruct the tab's selection UI to start. Returns
// ErrBusy without touching the session when a workflow is already in
// flight.
func (o *Orchestrator) Activate(ctx context.Context, req models.ActivationRequest) error {
	o.mu.Lock()
	if o.sess.status != StatusIdle {
		o.mu.Unlock()
		return ErrBusy
	}
	// Leave idle before any blocking work; two activations racing past
	// this point would otherwise both observe idle and both proceed.
	o.sess = session{status: StatusNavigating, tabID: req.TabID}
	o.mu.Unlock()

	if err := validate(req); err != nil {
		return o.fail(ctx, err, req.TabID)
	}
	if !o.allow.Allowed(req.TargetURL) {
		return o.fail(ctx, fmt.Errorf("URL not allowed: %s", req.TargetURL), req.TabID)
	}

	o.mu.Lock()
	o.sess.returnURL = req.ReturnURL
	o.sess.targetURL = req.TargetURL
	o.sess.uploadTarget = req.UploadTarget
	o.sess.authToken = req.AuthToken
	o.mu.Unlock()

	if err := o.nav.Navigate(ctx, req.TabID, req.TargetURL); err != nil {
		return o.fail(ctx, err, req.TabID)
	}

	o.vis.Set(true)
	o.mu.Lock()
	o.sess.status = StatusAwaitingSelection
	o.mu.Unlock()

	if !o.ui.SendWithRetry(ctx, req.TabID, o.startSelectionMsg(), 0) {
		return o.fail(ctx, fmt.Errorf("selection UI unreachable after retries"), req.TabID)
	}
	return nil
}

// Save completes a selection: capture the visible tab, crop to rect,
// upload, and finalize. Stale or cross-tab saves are silently ignored.
func (o *Orchestrator) Save(ctx context.Context, tabID string, rect models.SelectionRect) error {
	o.mu.Lock()
	if o.sess.status != StatusAwaitingSelection || tabID != o.sess.tabID {
		o.mu.Unlock()
		return nil
	}
	o.sess.status = StatusUploading
	target := o.sess.uploadTarget
	token := o.sess.authToken
	o.mu.Unlock()

	raw, err := o.capturer.Capture(ctx, tabID)
	if err != nil {
		return o.fail(ctx, fmt.Errorf("capture failed: %w", err), tabID)
	}

	img, err := imaging.Decode(raw)
	if err != nil {
		return o.fail(ctx, err, tabID)
	}

	cropped, err := imaging.Crop(img, rect)
	if err != nil {
		return o.fail(ctx, err, tabID)
	}

	if err := o.uploader.Upload(ctx, target, rect, cropped, token); err != nil {
		return o.fail(ctx, err, tabID)
	}

	o.finish(ctx)
	return nil
}

// Cancel abandons the workflow without uploading. Accepted from any
// non-idle status, but only from the session's own tab.
func (o *Orchestrator) Cancel(ctx context.Context, tabID string) {
	o.mu.Lock()
	if o.sess.status == StatusIdle || tabID != o.sess.tabID {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.finish(ctx)
}

// Ready answers the UI's "I just loaded, what should I show" signal:
// re-send the start instruction when a selection is pending for this
// tab (or the overlay was last known visible), hide otherwise. Covers
// overlay reloads racing the navigation.
func (o *Orchestrator) Ready(ctx context.Context, tabID string) {
	o.mu.Lock()
	awaiting := o.sess.status == StatusAwaitingSelection && tabID == o.sess.tabID
	o.mu.Unlock()

	if awaiting || o.vis.Load() {
		o.ui.SendWithRetry(ctx, tabID, o.startSelectionMsg(), 0)
		return
	}
	o.ui.SendWithRetry(ctx, tabID, models.UIMessage{Type: models.MsgHide}, 1)
}

// Toggle flips the persisted overlay visibility and nudges the
// requesting tab's UI accordingly, best-effort. Returns the new state.
func (o *Orchestrator) Toggle(ctx context.Context, tabID string) bool {
	visible := !o.vis.Load()
	o.vis.Set(visible)

	if tabID != "" {
		msg := models.UIMessage{Type: models.MsgHide}
		if visible {
			msg = o.startSelectionMsg()
		}
		o.ui.SendWithRetry(ctx, tabID, msg, 1)
	}
	return visible
}

// HideAll persists visibility off and tells every connected overlay to
// hide, ignoring delivery failures.
func (o *Orchestrator) HideAll() {
	o.vis.Set(false)
	o.ui.Broadcast(models.UIMessage{Type: models.MsgHide})
}

// finish is the shared terminal path: hide the overlay, best-effort
// return navigation, reset to idle. Safe to call twice; the second
// call finds the session already cleared.
func (o *Orchestrator) finish(ctx context.Context) {
	o.mu.Lock()
	tabID := o.sess.tabID
	returnURL := o.sess.returnURL
	o.sess = session{status: StatusIdle}
	o.mu.Unlock()

	o.vis.Set(false)

	if tabID == "" {
		return
	}

	o.ui.SendWithRetry(ctx, tabID, models.UIMessage{Type: models.MsgHide}, 0)

	if returnURL != "" {
		if err := o.nav.Navigate(ctx, tabID, returnURL); err != nil {
			// The tab may already be gone; the session is reset either way.
			log.Printf("Return navigation failed: %v", err)
		}
	}
}

// fail is the shared error path: log, best-effort notify the origin
// tab, reset to idle. The error is returned for the caller to surface.
func (o *Orchestrator) fail(ctx context.Context, err error, tabID string) error {
	log.Printf("Workflow error: %v", err)

	if tabID != "" {
		o.ui.SendWithRetry(ctx, tabID, models.UIMessage{Type: models.MsgShowError, Message: err.Error()}, 0)
	}

	o.mu.Lock()
	o.sess = session{status: StatusIdle}
	o.mu.Unlock()

	return err
}

func (o *Orchestrator) startSelectionMsg() models.UIMessage {
	return models.UIMessage{Type: models.MsgStartSelection, Message: o.prompt}
}

func validate(req models.ActivationRequest) error {
	if req.TabID == "" {
		return errors.New("activation is missing the origin tab")
	}
	if req.TargetURL == "" {
		return errors.New("activation is missing the target URL")
	}
	if _, err := url.ParseRequestURI(req.TargetURL); err != nil {
		return fmt.Errorf("malformed target URL: %w", err)
	}
	if req.ReturnURL == "" {
		return errors.New("activation is missing the return URL")
	}
	if _, err := url.ParseRequestURI(req.ReturnURL); err != nil {
		return fmt.Errorf("malformed return URL: %w", err)
	}
	if req.UploadTarget == "" {
		return errors.New("activation is missing the upload target")
	}
	return nil
}
