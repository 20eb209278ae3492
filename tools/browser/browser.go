// Package browser implements the browser tool on a headless Chrome managed
// through chromedp. One browser process is started lazily and shared by all
// calls; one tab is kept current and reused. The tab is closed after an idle
// period and the whole browser is recycled after a maximum age, so a long
// autonomous session cannot accumulate a zombie Chrome.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	alter "github.com/nevindra/alter"
	"github.com/nevindra/alter/internal/netguard"
)

const (
	defaultActionTimeout = 20 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
	defaultMaxAge        = 30 * time.Minute
	screenshotQuality    = 85
	maxContentChars      = 20000

	// Janitor policy for the screenshot directory.
	screenshotTTL = 24 * time.Hour
	maxScreenshots = 100
)

// Tool drives the shared headless browser.
type Tool struct {
	guard   *netguard.Guard
	shotDir string

	actionTimeout time.Duration
	idleTimeout   time.Duration
	maxAge        time.Duration

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	pageCtx       context.Context
	pageCancel    context.CancelFunc
	startedAt     time.Time
	lastUsed      time.Time
}

// Option configures the Tool.
type Option func(*Tool)

// WithActionTimeout bounds a single browser action.
func WithActionTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.actionTimeout = d
		}
	}
}

// WithIdleTimeout sets how long the current page survives without use.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.idleTimeout = d
		}
	}
}

// WithMaxAge sets the browser recycle age.
func WithMaxAge(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// New creates the browser tool. Screenshots are written under shotDir,
// which is created on first use.
func New(guard *netguard.Guard, shotDir string, opts ...Option) *Tool {
	t := &Tool{
		guard:         guard,
		shotDir:       shotDir,
		actionTimeout: defaultActionTimeout,
		idleTimeout:   defaultIdleTimeout,
		maxAge:        defaultMaxAge,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Declaration() alter.ToolDeclaration {
	return alter.ToolDeclaration{
		Name:        "browser",
		Description: "Control a headless browser: navigate to a URL, take a screenshot, click elements, type into fields, run JavaScript, or read the page text. The page persists between calls.",
		Parameters: json.RawMessage(`{"type":"object","properties":{
			"action":{"type":"string","enum":["navigate","screenshot","click","type","evaluate","content"],"description":"Browser action"},
			"url":{"type":"string","description":"URL for navigate"},
			"selector":{"type":"string","description":"CSS selector for click and type"},
			"text":{"type":"string","description":"Text for type"},
			"script":{"type":"string","description":"JavaScript for evaluate"}
		},"required":["action"]}`),
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (alter.Result, error) {
	var params struct {
		Action   string `json:"action"`
		URL      string `json:"url"`
		Selector string `json:"selector"`
		Text     string `json:"text"`
		Script   string `json:"script"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return alter.Fail("invalid args: " + err.Error()), nil
	}

	switch strings.ToLower(params.Action) {
	case "navigate":
		if params.URL == "" {
			return alter.Fail("url is required for navigate"), nil
		}
		target, err := t.guard.ValidateURL(ctx, params.URL)
		if err != nil {
			return alter.Fail(err.Error()), nil
		}
		return t.navigate(target.String())
	case "screenshot":
		return t.screenshot()
	case "click":
		if params.Selector == "" {
			return alter.Fail("selector is required for click"), nil
		}
		return t.click(params.Selector)
	case "type":
		if params.Selector == "" || params.Text == "" {
			return alter.Fail("selector and text are required for type"), nil
		}
		return t.typeText(params.Selector, params.Text)
	case "evaluate":
		if params.Script == "" {
			return alter.Fail("script is required for evaluate"), nil
		}
		return t.evaluate(params.Script)
	case "content":
		return t.content()
	default:
		return alter.Fail("unknown action: " + params.Action), nil
	}
}

func (t *Tool) navigate(url string) (alter.Result, error) {
	var title, location string
	err := t.run(
		chromedp.Navigate(url),
		chromedp.Title(&title),
		chromedp.Location(&location),
	)
	if err != nil {
		return alter.Fail("navigate: " + err.Error()), nil
	}
	return alter.Ok(fmt.Sprintf("at %s (%s)", location, title)), nil
}

func (t *Tool) screenshot() (alter.Result, error) {
	var buf []byte
	if err := t.run(chromedp.FullScreenshot(&buf, screenshotQuality)); err != nil {
		return alter.Fail("screenshot: " + err.Error()), nil
	}
	img, path, err := t.saveScreenshot(buf)
	if err != nil {
		return alter.Fail("screenshot: " + err.Error()), nil
	}
	res := alter.Ok("screenshot saved to " + path)
	res.Images = []alter.ImageData{img}
	return res, nil
}

func (t *Tool) click(selector string) (alter.Result, error) {
	err := t.run(
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return alter.Fail("click: " + err.Error()), nil
	}
	return alter.Ok("clicked " + selector), nil
}

func (t *Tool) typeText(selector, text string) (alter.Result, error) {
	err := t.run(
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return alter.Fail("type: " + err.Error()), nil
	}
	return alter.Ok(fmt.Sprintf("typed %q into %s", text, selector)), nil
}

func (t *Tool) evaluate(script string) (alter.Result, error) {
	var out any
	if err := t.run(chromedp.Evaluate(script, &out)); err != nil {
		return alter.Fail("evaluate: " + err.Error()), nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return alter.Fail("evaluate: encode result: " + err.Error()), nil
	}
	return alter.Ok(string(data)), nil
}

func (t *Tool) content() (alter.Result, error) {
	var title, location, text string
	err := t.run(
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return alter.Fail("content: " + err.Error()), nil
	}
	if len(text) > maxContentChars {
		text = text[:maxContentChars] + "\n... (page text capped)"
	}
	return alter.Ok(fmt.Sprintf("%s (%s)\n\n%s", location, title, strings.TrimSpace(text))), nil
}

// run executes actions against the current page under the action timeout.
func (t *Tool) run(actions ...chromedp.Action) error {
	pageCtx, err := t.page()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(pageCtx, t.actionTimeout)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// page returns the current tab, starting Chrome or a fresh tab as needed
// and recycling a browser past its maximum age.
func (t *Tool) page() (context.Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.browserCtx != nil && now.Sub(t.startedAt) > t.maxAge {
		t.closeLocked()
	}

	if t.browserCtx == nil {
		execOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		execOpts = append(execOpts, chromedp.WindowSize(1280, 900))

		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start browser: %w", err)
		}
		t.allocCancel = allocCancel
		t.browserCtx = browserCtx
		t.browserCancel = browserCancel
		t.startedAt = now
	}

	if t.pageCtx == nil {
		// Deriving from the browser anchor opens a tab in the running
		// browser rather than a second Chrome.
		t.pageCtx, t.pageCancel = chromedp.NewContext(t.browserCtx)
		// A JS alert/confirm would block every later action on the shared
		// tab; accept dialogs as they open.
		tab := t.pageCtx
		chromedp.ListenTarget(tab, func(ev any) {
			if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
				go func() {
					_ = chromedp.Run(tab, page.HandleJavaScriptDialog(true))
				}()
			}
		})
	}
	t.lastUsed = now
	return t.pageCtx, nil
}

// Maintain closes the current page when it has sat idle too long. The app's
// maintenance cron calls this periodically.
func (t *Tool) Maintain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pageCtx == nil {
		return
	}
	if time.Since(t.lastUsed) > t.idleTimeout {
		t.pageCancel()
		t.pageCtx, t.pageCancel = nil, nil
	}
}

// Close tears down the page and the browser. Safe to call repeatedly.
func (t *Tool) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *Tool) closeLocked() {
	if t.pageCancel != nil {
		t.pageCancel()
	}
	if t.browserCancel != nil {
		t.browserCancel()
	}
	if t.allocCancel != nil {
		t.allocCancel()
	}
	t.pageCtx, t.pageCancel = nil, nil
	t.browserCtx, t.browserCancel = nil, nil
	t.allocCancel = nil
}

// saveScreenshot writes the capture under a fresh id and returns it as
// inline image data for the model.
func (t *Tool) saveScreenshot(buf []byte) (alter.ImageData, string, error) {
	if err := os.MkdirAll(t.shotDir, 0o755); err != nil {
		return alter.ImageData{}, "", err
	}
	id := alter.NewID()
	path := filepath.Join(t.shotDir, id+".jpg")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return alter.ImageData{}, "", err
	}
	img := alter.ImageData{
		ID:       id,
		MimeType: "image/jpeg",
		Base64:   base64.StdEncoding.EncodeToString(buf),
	}
	return img, path, nil
}

// ScreenshotPath maps a screenshot id back to its file, refusing ids that
// reach outside the directory.
func (t *Tool) ScreenshotPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid screenshot id")
	}
	path := filepath.Join(t.shotDir, id+".jpg")
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// CleanScreenshots enforces the directory policy: captures older than 24h
// are deleted, then the newest 100 are kept. Returns the number removed.
func (t *Tool) CleanScreenshots() (int, error) {
	entries, err := os.ReadDir(t.shotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type shot struct {
		path string
		mod  time.Time
	}
	var shots []shot
	removed := 0
	cutoff := time.Now().Add(-screenshotTTL)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(t.shotDir, e.Name())
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				removed++
			}
			continue
		}
		shots = append(shots, shot{path: path, mod: info.ModTime()})
	}

	if len(shots) > maxScreenshots {
		sort.Slice(shots, func(i, j int) bool { return shots[i].mod.After(shots[j].mod) })
		for _, s := range shots[maxScreenshots:] {
			if os.Remove(s.path) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var _ alter.Tool = (*Tool)(nil)
