// Package browser drives a headless Chrome through the trade room login and
// captures the page's websocket traffic over the DevTools protocol.
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	datasource "market-relay/src/data_source"
	"market-relay/src/helpers"
	"market-relay/src/interfaces"
	"market-relay/src/logger"
	"market-relay/src/models"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// Defaults for the trade room login page.
const (
	DefaultURL = "https://trade.exnova.com/traderoom"

	DefaultUserNameSelector     = "#root > div > div > div > div > form > div:nth-child(1) > div > div > input"
	DefaultPasswordSelector     = "#root > div > div > div > div > form > div:nth-child(2) > div > div > input"
	DefaultSubmitSelector       = "#root > div > div > div > div > form > button"
	DefaultStartTradingSelector = "#root > div.css-3uqybw.ep6b6450 > header > div > div > div.css-cea5o1.e1t2y47p4 > button > span"

	defaultLoginTimeout = 60 * time.Second
	defaultFrameBuffer  = 4096

	opcodeText = 1
)

// -----------------------------------------------------------------------------

type Session struct {
	Config  *models.MConfig
	Logger  *logger.Logger
	Proxies interfaces.IProxyManager

	mu          sync.Mutex
	capture     *datasource.Capture
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
	browserCtx  context.Context
	stopping    atomic.Bool
	dropped     atomic.Int64
}

func NewSession(cfg *models.MConfig, proxies interfaces.IProxyManager, log *logger.Logger) *Session {
	return &Session{Config: cfg, Proxies: proxies, Logger: log}
}

func (s *Session) Name() string {
	return "browser"
}

// -----------------------------------------------------------------------------
// ISession
// -----------------------------------------------------------------------------

func (s *Session) Start(ctx context.Context) (interfaces.ICaptureHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture != nil {
		return nil, errors.New("browser session is already running")
	}
	if err := checkCredentials(s.Config.Account); err != nil {
		return nil, err
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, s.allocatorOptions()...)
	browserCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(s.Logger.Debug))

	capture := datasource.NewCapture(s.frameBuffer())
	chromedp.ListenTarget(browserCtx, s.listener(capture))

	// launch with the long-lived context so the login timeout cannot kill the browser
	if err := chromedp.Run(browserCtx); err != nil {
		cancelTab()
		cancelAlloc()
		capture.Finish(err)
		return nil, helpers.NewTransportError("launch browser", err)
	}

	if err := s.login(browserCtx); err != nil {
		cancelTab()
		cancelAlloc()
		capture.Finish(err)
		if s.Proxies != nil && s.Proxies.HasProxies() {
			s.Proxies.RotateProxy()
		}
		return nil, err
	}

	s.capture = capture
	s.cancelAlloc = cancelAlloc
	s.cancelTab = cancelTab
	s.browserCtx = browserCtx
	s.stopping.Store(false)
	go s.watch(browserCtx, capture)

	s.Logger.Info("Browser session logged in, capturing websocket frames")
	return capture, nil
}

// -----------------------------------------------------------------------------

func (s *Session) Stop() error {
	s.mu.Lock()
	capture, cancelAlloc, cancelTab, browserCtx := s.capture, s.cancelAlloc, s.cancelTab, s.browserCtx
	s.capture, s.cancelAlloc, s.cancelTab, s.browserCtx = nil, nil, nil, nil
	s.mu.Unlock()

	if capture == nil {
		return nil
	}
	s.stopping.Store(true)

	var err error
	if cerr := chromedp.Cancel(browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = helpers.NewTransportError("close browser", cerr)
	}
	cancelTab()
	cancelAlloc()
	capture.Finish(nil)

	if n := s.dropped.Swap(0); n > 0 {
		s.Logger.Warning("Browser session dropped %d frames while the engine was behind", n)
	}
	return err
}

// -----------------------------------------------------------------------------
// Login
// -----------------------------------------------------------------------------

func (s *Session) login(browserCtx context.Context) error {
	sess := s.Config.Session
	url := sess.URL
	if url == "" {
		url = DefaultURL
	}
	timeout := time.Duration(sess.LoginTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	sel := selectors(sess.Selectors)

	ctx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	s.Logger.Info("Opening %s", url)
	err := chromedp.Run(ctx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitVisible(sel.UserName, chromedp.ByQuery),
		chromedp.SendKeys(sel.UserName, s.Config.Account.UserName, chromedp.ByQuery),
		chromedp.WaitVisible(sel.Password, chromedp.ByQuery),
		chromedp.SendKeys(sel.Password, s.Config.Account.Password, chromedp.ByQuery),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
		chromedp.WaitVisible(sel.StartTrading, chromedp.ByQuery),
		chromedp.Click(sel.StartTrading, chromedp.ByQuery),
	)
	if err != nil {
		return helpers.NewTransportError("login to "+url, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Frame capture
// -----------------------------------------------------------------------------

// listener runs on chromedp's event goroutine and must not block.
func (s *Session) listener(capture *datasource.Capture) func(ev interface{}) {
	return func(ev interface{}) {
		var (
			frame models.MFrame
			ok    bool
		)
		switch ev := ev.(type) {
		case *network.EventWebSocketFrameReceived:
			frame, ok = toFrame(models.DirectionInbound, ev.Response)
		case *network.EventWebSocketFrameSent:
			frame, ok = toFrame(models.DirectionOutbound, ev.Response)
		default:
			return
		}
		if !ok {
			return
		}
		if !capture.TryPush(frame) {
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				s.Logger.Warning("Frame buffer full, %d frames dropped", n)
			}
		}
	}
}

// toFrame keeps text frames only; the upstream protocol is JSON.
func toFrame(dir models.Direction, resp *network.WebSocketFrame) (models.MFrame, bool) {
	if resp == nil || resp.Opcode != opcodeText {
		return models.MFrame{}, false
	}
	return models.MFrame{
		Direction:  dir,
		Payload:    []byte(resp.PayloadData),
		CapturedAt: time.Now(),
	}, true
}

// watch ends the capture when the browser goes away on its own.
func (s *Session) watch(browserCtx context.Context, capture *datasource.Capture) {
	select {
	case <-browserCtx.Done():
	case <-capture.Done():
		return
	}
	if s.stopping.Load() {
		return
	}
	s.Logger.Warning("Browser context ended: %v", browserCtx.Err())
	capture.Finish(helpers.NewTransportError("browser closed", browserCtx.Err()))
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

func (s *Session) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", s.Config.Session.Headless))

	if s.Proxies == nil {
		return opts
	}
	if ua := s.Proxies.GetUserAgent(); ua != "" {
		opts = append(opts, chromedp.UserAgent(ua))
	}
	if s.Proxies.HasProxies() {
		if proxy, err := s.Proxies.GetCurrentProxy(); err == nil && proxy != "" {
			s.Logger.Info("Using proxy %s", proxy)
			opts = append(opts, chromedp.ProxyServer(proxy))
		}
	}
	return opts
}

func (s *Session) frameBuffer() int {
	if n := s.Config.Session.FrameBuffer; n > 0 {
		return n
	}
	return defaultFrameBuffer
}

func selectors(cfg models.MSelectorConfig) models.MSelectorConfig {
	if cfg.UserName == "" {
		cfg.UserName = DefaultUserNameSelector
	}
	if cfg.Password == "" {
		cfg.Password = DefaultPasswordSelector
	}
	if cfg.Submit == "" {
		cfg.Submit = DefaultSubmitSelector
	}
	if cfg.StartTrading == "" {
		cfg.StartTrading = DefaultStartTradingSelector
	}
	return cfg
}

func checkCredentials(acc models.MAccountConfig) error {
	if acc.AllowEmptyCredentials {
		return nil
	}
	if acc.UserName == "" || acc.Password == "" {
		return helpers.NewConfigurationError("USER_NAME and PASSWORD are required for the browser session", nil)
	}
	return nil
}
