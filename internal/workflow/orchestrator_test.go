package workflow

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snaprelay/snaprelay/internal/allowlist"
	"github.com/snaprelay/snaprelay/pkg/models"
)

type fakeNavigator struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
	block chan struct{}
}

func (f *fakeNavigator) Navigate(_ context.Context, tabID, url string) error {
	f.mu.Lock()
	f.calls = append(f.calls, tabID+" "+url)
	blocker := f.block
	err := f.errs[url]
	f.mu.Unlock()
	if blocker != nil {
		<-blocker
	}
	return err
}

func (f *fakeNavigator) navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeMessenger struct {
	mu         sync.Mutex
	sent       []models.UIMessage
	sentTabs   []string
	broadcasts []models.UIMessage
	undeliver  bool
}

func (f *fakeMessenger) SendWithRetry(_ context.Context, tabID string, msg models.UIMessage, _ int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.undeliver {
		return false
	}
	f.sent = append(f.sent, msg)
	f.sentTabs = append(f.sentTabs, tabID)
	return true
}

func (f *fakeMessenger) Broadcast(msg models.UIMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeMessenger) messages() []models.UIMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.UIMessage(nil), f.sent...)
}

func (f *fakeMessenger) lastType(t *testing.T) string {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1].Type
}

type fakeCapturer struct {
	img []byte
	err error
}

func (f *fakeCapturer) Capture(context.Context, string) ([]byte, error) {
	return f.img, f.err
}

type uploadCall struct {
	target string
	rect   models.SelectionRect
	img    []byte
	token  string
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, target string, rect models.SelectionRect, img []byte, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, uploadCall{target: target, rect: rect, img: img, token: token})
	return f.err
}

func (f *fakeUploader) uploads() []uploadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uploadCall(nil), f.calls...)
}

type fakeVisibility struct {
	mu      sync.Mutex
	visible bool
	writes  int
}

func (f *fakeVisibility) Load() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *fakeVisibility) Set(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visible = v
	f.writes++
}

type fixture struct {
	orch *Orchestrator
	nav  *fakeNavigator
	ui   *fakeMessenger
	capt *fakeCapturer
	up   *fakeUploader
	vis  *fakeVisibility
}

func capturePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newFixture(t *testing.T, allowed []string) *fixture {
	t.Helper()
	f := &fixture{
		nav:  &fakeNavigator{errs: map[string]error{}},
		ui:   &fakeMessenger{},
		capt: &fakeCapturer{img: capturePNG(t, 200, 200)},
		up:   &fakeUploader{},
		vis:  &fakeVisibility{},
	}
	f.orch = New(Config{
		Allowlist:  allowlist.New(allowed),
		Navigator:  f.nav,
		Messenger:  f.ui,
		Capturer:   f.capt,
		Uploader:   f.up,
		Visibility: f.vis,
	})
	return f
}

func validActivation() models.ActivationRequest {
	return models.ActivationRequest{
		TabID:        "tab-1",
		TargetURL:    "https://a.test/page",
		ReturnURL:    "https://origin.test/",
		UploadTarget: "https://api.test/upload",
		AuthToken:    "tok",
	}
}

func activate(t *testing.T, f *fixture) {
	t.Helper()
	require.NoError(t, f.orch.Activate(context.Background(), validActivation()))
	require.Equal(t, StatusAwaitingSelection, f.orch.Status())
}

func TestActivate_NavigatesAndStartsSelection(t *testing.T) {
	f := newFixture(t, []string{"https://a.test/"})

	activate(t, f)

	assert.Equal(t, []string{"tab-1 https://a.test/page"}, f.nav.navigations())
	assert.Equal(t, models.MsgStartSelection, f.ui.lastType(t))
	assert.True(t, f.vis.Load())
}

func TestActivate_RejectsDisallowedScheme(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})

	req := validActivation()
	req.TargetURL = "ftp://a.test/"
	err := f.orch.Activate(context.Background(), req)

	require.Error(t, err)
	assert.Empty(t, f.nav.navigations(), "must not navigate to a rejected URL")
	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Equal(t, models.MsgShowError, f.ui.lastType(t))
}

func TestActivate_RejectsOriginOutsideAllowlist(t *testing.T) {
	f := newFixture(t, []string{"https://a.test/"})

	req := validActivation()
	req.TargetURL = "https://b.test/page"
	err := f.orch.Activate(context.Background(), req)

	require.Error(t, err)
	assert.Empty(t, f.nav.navigations())
	assert.Equal(t, StatusIdle, f.orch.Status())
}

func TestActivate_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ActivationRequest)
	}{
		{"missing tab", func(r *models.ActivationRequest) { r.TabID = "" }},
		{"missing target", func(r *models.ActivationRequest) { r.TargetURL = "" }},
		{"malformed target", func(r *models.ActivationRequest) { r.TargetURL = "not a url" }},
		{"missing return", func(r *models.ActivationRequest) { r.ReturnURL = "" }},
		{"malformed return", func(r *models.ActivationRequest) { r.ReturnURL = "%%%" }},
		{"missing upload target", func(r *models.ActivationRequest) { r.UploadTarget = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{allowlist.Wildcard})
			req := validActivation()
			tt.mutate(&req)

			err := f.orch.Activate(context.Background(), req)
			require.Error(t, err)
			assert.Empty(t, f.nav.navigations())
			assert.Equal(t, StatusIdle, f.orch.Status())
		})
	}
}

func TestActivate_AtMostOneSession(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	f.nav.block = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		first <- f.orch.Activate(context.Background(), validActivation())
	}()

	// Wait until the first activation reached the (blocked) navigator.
	require.Eventually(t, func() bool { return len(f.nav.navigations()) == 1 }, time.Second, time.Millisecond)

	second := f.orch.Activate(context.Background(), validActivation())
	assert.ErrorIs(t, second, ErrBusy)

	close(f.nav.block)
	require.NoError(t, <-first)

	// Only the first activation navigated.
	assert.Len(t, f.nav.navigations(), 1)
}

func TestActivate_NavigationFailureResetsSession(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	f.nav.errs["https://a.test/page"] = errors.New("navigation timeout after 1m0s for tab tab-1")

	err := f.orch.Activate(context.Background(), validActivation())
	require.Error(t, err)
	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Equal(t, models.MsgShowError, f.ui.lastType(t))

	// A fresh activation is possible immediately afterwards.
	f.nav.errs = map[string]error{}
	activate(t, f)
}

func TestActivate_UndeliverableStartSelectionIsFatal(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	f.ui.undeliver = true

	err := f.orch.Activate(context.Background(), validActivation())
	require.Error(t, err)
	assert.Equal(t, StatusIdle, f.orch.Status())
}

func TestSave_CropsUploadsAndFinalizes(t *testing.T) {
	f := newFixture(t, []string{"https://a.test/"})
	activate(t, f)

	rect := models.SelectionRect{X: 10, Y: 10, W: 100, H: 50}
	require.NoError(t, f.orch.Save(context.Background(), "tab-1", rect))

	uploads := f.up.uploads()
	require.Len(t, uploads, 1)
	assert.Equal(t, "https://api.test/upload", uploads[0].target)
	assert.Equal(t, rect, uploads[0].rect)
	assert.Equal(t, "tok", uploads[0].token)

	cropped, err := png.Decode(bytes.NewReader(uploads[0].img))
	require.NoError(t, err)
	assert.Equal(t, 100, cropped.Bounds().Dx())
	assert.Equal(t, 50, cropped.Bounds().Dy())

	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.False(t, f.vis.Load())
	assert.Equal(t, models.MsgHide, f.ui.lastType(t))

	navs := f.nav.navigations()
	require.Len(t, navs, 2)
	assert.Equal(t, "tab-1 https://origin.test/", navs[1])
}

func TestSave_ClampedEdgeSelectionStillUploads(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	// 50x50 at (195,195) of a 200x200 capture clamps to the 5x5 minimum.
	rect := models.SelectionRect{X: 195, Y: 195, W: 50, H: 50}
	require.NoError(t, f.orch.Save(context.Background(), "tab-1", rect))

	uploads := f.up.uploads()
	require.Len(t, uploads, 1)
	cropped, err := png.Decode(bytes.NewReader(uploads[0].img))
	require.NoError(t, err)
	assert.Equal(t, 5, cropped.Bounds().Dx())
	assert.Equal(t, 5, cropped.Bounds().Dy())
}

func TestSave_RectBelowMinimumNeverUploads(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	err := f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 198, Y: 0, W: 50, H: 50})
	require.Error(t, err)

	assert.Empty(t, f.up.uploads(), "upload client must not be called")
	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Equal(t, models.MsgShowError, f.ui.lastType(t))
}

func TestSave_IgnoredFromOtherTab(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	require.NoError(t, f.orch.Save(context.Background(), "tab-2", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50}))

	assert.Equal(t, StatusAwaitingSelection, f.orch.Status())
	assert.Empty(t, f.up.uploads())
}

func TestSave_IgnoredWhenIdle(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})

	require.NoError(t, f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50}))
	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Empty(t, f.up.uploads())
}

func TestSave_UploadFailureResetsWithoutReturnNavigation(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)
	f.up.err = errors.New("upload to https://api.test/upload failed: status 500")

	err := f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50})
	require.Error(t, err)

	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Equal(t, models.MsgShowError, f.ui.lastType(t))
	// The error path never drives the tab back to the origin.
	assert.Len(t, f.nav.navigations(), 1)
}

func TestSave_CaptureFailureResets(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)
	f.capt.err = errors.New("tab closed")

	err := f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50})
	require.Error(t, err)
	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Empty(t, f.up.uploads())
}

func TestCancel_FinalizesWithoutUpload(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	f.orch.Cancel(context.Background(), "tab-1")

	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Empty(t, f.up.uploads())
	assert.False(t, f.vis.Load())

	navs := f.nav.navigations()
	require.Len(t, navs, 2)
	assert.Equal(t, "tab-1 https://origin.test/", navs[1])
}

func TestCancel_IgnoredFromOtherTab(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	f.orch.Cancel(context.Background(), "tab-2")
	assert.Equal(t, StatusAwaitingSelection, f.orch.Status())
	assert.Len(t, f.nav.navigations(), 1)
}

func TestCancel_SecondCancelIsNoOp(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	f.orch.Cancel(context.Background(), "tab-1")
	navsAfterFirst := len(f.nav.navigations())
	msgsAfterFirst := len(f.ui.messages())

	f.orch.Cancel(context.Background(), "tab-1")

	assert.Equal(t, StatusIdle, f.orch.Status())
	assert.Equal(t, navsAfterFirst, len(f.nav.navigations()), "no double return navigation")
	assert.Equal(t, msgsAfterFirst, len(f.ui.messages()), "no duplicate hide")
}

func TestFinalize_ReturnNavigationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)
	f.nav.errs["https://origin.test/"] = errors.New("tab was closed")

	f.orch.Cancel(context.Background(), "tab-1")
	assert.Equal(t, StatusIdle, f.orch.Status())
}

func TestReady_ResendsStartSelectionWhileAwaiting(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)

	before := len(f.ui.messages())
	f.orch.Ready(context.Background(), "tab-1")

	msgs := f.ui.messages()
	require.Len(t, msgs, before+1)
	assert.Equal(t, models.MsgStartSelection, msgs[len(msgs)-1].Type)
}

func TestReady_HidesWhenNothingPending(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})

	f.orch.Ready(context.Background(), "tab-9")
	assert.Equal(t, models.MsgHide, f.ui.lastType(t))
}

func TestReady_ShowsWhenVisibilityFlagIsOn(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	f.vis.Set(true)

	f.orch.Ready(context.Background(), "tab-9")
	assert.Equal(t, models.MsgStartSelection, f.ui.lastType(t))
}

func TestReady_OtherTabWhileAwaitingGetsHide(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)
	f.vis.Set(false) // visibility cleared out-of-band

	f.orch.Ready(context.Background(), "tab-2")
	assert.Equal(t, models.MsgHide, f.ui.lastType(t))
}

func TestToggle_FlipsVisibilityAndNotifiesTab(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})

	assert.True(t, f.orch.Toggle(context.Background(), "tab-1"))
	assert.True(t, f.vis.Load())
	assert.Equal(t, models.MsgStartSelection, f.ui.lastType(t))

	assert.False(t, f.orch.Toggle(context.Background(), "tab-1"))
	assert.False(t, f.vis.Load())
	assert.Equal(t, models.MsgHide, f.ui.lastType(t))
}

func TestHideAll_PersistsAndBroadcasts(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	f.vis.Set(true)

	f.orch.HideAll()

	assert.False(t, f.vis.Load())
	require.Len(t, f.ui.broadcasts, 1)
	assert.Equal(t, models.MsgHide, f.ui.broadcasts[0].Type)
}

func TestSessionClearedBetweenWorkflows(t *testing.T) {
	f := newFixture(t, []string{allowlist.Wildcard})
	activate(t, f)
	require.NoError(t, f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50}))

	// A save replayed after the reset must not reach the uploader again.
	require.NoError(t, f.orch.Save(context.Background(), "tab-1", models.SelectionRect{X: 0, Y: 0, W: 50, H: 50}))
	assert.Len(t, f.up.uploads(), 1)
}
