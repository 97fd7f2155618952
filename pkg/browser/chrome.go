package browser

import (
	"context"
	"fmt"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"

	"tab-session-sync/pkg/models"
)

const targetTypePage = "page"

// DefaultTimeout bounds one capture or restore.
const DefaultTimeout = 15 * time.Second

// Chrome talks to a running Chrome over the DevTools protocol
// (chrome --remote-debugging-port=9222).
type Chrome struct {
	cdpURL  string
	timeout time.Duration
	log     pslog.Logger
}

// NewChrome 创建 CDP 浏览器控制器，cdpURL 形如 ws://127.0.0.1:9222 或 http://127.0.0.1:9222
func NewChrome(cdpURL string, logger pslog.Logger) *Chrome {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Chrome{
		cdpURL:  cdpURL,
		timeout: DefaultTimeout,
		log:     logger.With("component", "browser"),
	}
}

// run attaches to the browser and runs fn with a browser-level executor.
// chromedp opens a helper tab for the connection; its id is passed to fn so
// it can be ignored, and it is closed again on return.
func (c *Chrome) run(ctx context.Context, fn func(ctx context.Context, self target.ID) error) error {
	if c.cdpURL == "" {
		return fmt.Errorf("chrome cdp url is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, c.cdpURL)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	return chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cctx := chromedp.FromContext(ctx)
		var self target.ID
		if cctx.Target != nil {
			self = cctx.Target.TargetID
		}
		return fn(cdp.WithExecutor(ctx, cctx.Browser), self)
	}))
}

// Pages lists the page targets with the window each one lives in.
func (c *Chrome) Pages(ctx context.Context) ([]Page, error) {
	var pages []Page
	err := c.run(ctx, func(ctx context.Context, self target.ID) error {
		targets, err := target.GetTargets().Do(ctx)
		if err != nil {
			return fmt.Errorf("get targets: %w", err)
		}
		for _, t := range targets {
			if t.Type != targetTypePage || t.TargetID == self {
				continue
			}
			windowID, _, err := cdpbrowser.GetWindowForTarget().WithTargetID(t.TargetID).Do(ctx)
			if err != nil {
				c.log.Debug("skipping target without window", "target", t.TargetID, "err", err)
				continue
			}
			pages = append(pages, Page{
				TargetID: string(t.TargetID),
				WindowID: int64(windowID),
				Title:    t.Title,
				URL:      t.URL,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pages, nil
}

// CaptureTabs reads the tabs of the current window or of every window.
func (c *Chrome) CaptureTabs(ctx context.Context, scope Scope) ([]models.TabDraft, error) {
	pages, err := c.Pages(ctx)
	if err != nil {
		return nil, err
	}
	drafts, err := groupCapture(pages, scope)
	if err != nil {
		return nil, err
	}
	c.log.Info("tabs captured", "scope", scope, "tabs", len(drafts))
	return drafts, nil
}

// RestoreTabs opens one new window per group of the plan. Restoring is best
// effort: a url that fails to open is logged and skipped. It fails only when
// nothing could be opened.
func (c *Chrome) RestoreTabs(ctx context.Context, plan models.RestorePlan) error {
	total := plan.TabCount()
	if total == 0 {
		return nil
	}
	opened := 0
	err := c.run(ctx, func(ctx context.Context, _ target.ID) error {
		for i, urls := range plan.Windows {
			if len(urls) == 0 {
				continue
			}
			if _, err := target.CreateTarget(urls[0]).WithNewWindow(true).Do(ctx); err != nil {
				c.log.Warn("failed to open window", "session", plan.SessionID, "window", i, "err", err)
				continue
			}
			opened++
			// new targets open in the focused window, which is the one just created
			for _, u := range urls[1:] {
				if _, err := target.CreateTarget(u).Do(ctx); err != nil {
					c.log.Warn("failed to open tab", "session", plan.SessionID, "url", u, "err", err)
					continue
				}
				opened++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore session %s: %w", plan.SessionID, err)
	}
	if opened == 0 {
		return fmt.Errorf("restore session %s: no tab could be opened", plan.SessionID)
	}
	c.log.Info("session restored", "session", plan.SessionID, "windows", len(plan.Windows), "tabs", opened, "of", total)
	return nil
}
