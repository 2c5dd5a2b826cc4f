// SIP engine built on sipgo. The adapter translates orchestration intents
// into SIP transactions and reports dialog progress on the event channels.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Options configures the SIP engine.
type Options struct {
	// Hostname is the local address advertised in Contact headers.
	Hostname string

	// Port is the local SIP listen port for UDP and TCP.
	Port int

	// Transport used for outbound requests, "udp" or "tcp".
	Transport string

	// Input and Output are the audio devices reported to the frontend.
	Input  []AudioDevice
	Output []AudioDevice

	Logger *slog.Logger
}

// SIPEngine implements Engine on top of the sipgo stack.
type SIPEngine struct {
	opts   Options
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	matrix *Matrix

	callCh  chan CallStateEvent
	mediaCh chan MediaStateEvent

	mu        sync.Mutex
	creds     Credentials
	regCancel context.CancelFunc
	dialogs   map[string]*dialog // keyed by Call-ID, which doubles as the handle

	closed  chan struct{}
	closeWg sync.WaitGroup
}

// NewSIPEngine creates the SIP stack: one user agent with a server for
// inbound requests and a client for outbound ones.
func NewSIPEngine(opts Options) (*SIPEngine, error) {
	if opts.Transport == "" {
		opts.Transport = "udp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("softdial"),
		sipgo.WithUserAgentHostname(opts.Hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	e := &SIPEngine{
		opts:    opts,
		ua:      ua,
		srv:     srv,
		client:  client,
		logger:  logger,
		matrix:  NewMatrix(logger),
		callCh:  make(chan CallStateEvent, 32),
		mediaCh: make(chan MediaStateEvent, 32),
		dialogs: make(map[string]*dialog),
		closed:  make(chan struct{}),
	}

	srv.OnInvite(e.onInvite)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	srv.OnAck(e.onAck)
	srv.OnOptions(e.onOptions)

	return e, nil
}

// Start begins listening on the configured transports. It returns after the
// listeners are launched; listener errors are logged.
func (e *SIPEngine) Start(ctx context.Context) {
	addr := fmt.Sprintf("0.0.0.0:%d", e.opts.Port)

	e.closeWg.Add(1)
	go func() {
		defer e.closeWg.Done()
		e.logger.Info("sip udp listener starting", "addr", addr)
		if err := e.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			e.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	e.closeWg.Add(1)
	go func() {
		defer e.closeWg.Done()
		e.logger.Info("sip tcp listener starting", "addr", addr)
		if err := e.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			e.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()
}

// Close hangs up all dialogs, drops the registration and shuts the stack
// down.
func (e *SIPEngine) Close() {
	select {
	case <-e.closed:
		return
	default:
		close(e.closed)
	}

	e.mu.Lock()
	dialogs := make([]*dialog, 0, len(e.dialogs))
	for _, d := range e.dialogs {
		dialogs = append(dialogs, d)
	}
	regCancel := e.regCancel
	e.regCancel = nil
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range dialogs {
		if err := e.Hangup(ctx, d.callID); err != nil {
			e.logger.Warn("failed to hang up dialog on close",
				"call_id", d.callID,
				"error", err,
			)
		}
	}

	if regCancel != nil {
		regCancel()
		if err := e.sendUnregister(ctx); err != nil {
			e.logger.Warn("failed to un-register on close", "error", err)
		}
	}

	e.srv.Close()
	e.client.Close()
	e.ua.Close()
	e.logger.Info("sip engine closed")
}

func (e *SIPEngine) CallEvents() <-chan CallStateEvent   { return e.callCh }
func (e *SIPEngine) MediaEvents() <-chan MediaStateEvent { return e.mediaCh }

// DialogCount returns the number of live SIP dialogs.
func (e *SIPEngine) DialogCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dialogs)
}

// LinkCount returns the number of one-directional mixing paths currently
// recorded in the matrix.
func (e *SIPEngine) LinkCount() int {
	return e.matrix.LinkCount()
}

// Devices reports the configured audio devices.
func (e *SIPEngine) Devices() (input, output []AudioDevice) {
	return deviceList(e.opts.Input, "Default Input"), deviceList(e.opts.Output, "Default Output")
}

// deviceList falls back to the engine default when nothing is configured.
func deviceList(configured []AudioDevice, fallback string) []AudioDevice {
	if len(configured) > 0 {
		return configured
	}
	return []AudioDevice{{ID: 0, Name: fallback}}
}

// ConfiguredDevice wraps a persisted device selection as a reportable
// device list. A nil id means the engine default.
func ConfiguredDevice(id *int, name string) []AudioDevice {
	if id == nil {
		return nil
	}
	return []AudioDevice{{ID: *id, Name: name}}
}

// Connect establishes a one-directional mixing path between two slots.
func (e *SIPEngine) Connect(a, b Slot) error {
	if !e.matrix.InUse(a) || !e.matrix.InUse(b) {
		return fmt.Errorf("connect %d -> %d: slot not allocated", int(a), int(b))
	}
	e.matrix.Connect(a, b)
	return nil
}

// Disconnect removes the mixing path between two slots.
func (e *SIPEngine) Disconnect(a, b Slot) error {
	e.matrix.Disconnect(a, b)
	return nil
}

// emitCall publishes a call-state event, dropping on a full channel rather
// than blocking the SIP stack.
func (e *SIPEngine) emitCall(ev CallStateEvent) {
	select {
	case e.callCh <- ev:
	default:
		e.logger.Warn("call event channel full, dropping event", "call_id", ev.Handle)
	}
}

func (e *SIPEngine) emitMedia(ev MediaStateEvent) {
	select {
	case e.mediaCh <- ev:
	default:
		e.logger.Warn("media event channel full, dropping event", "call_id", ev.Handle)
	}
}

// registerExpiry is the default registration lifetime requested from the
// registrar; the server may shorten it.
const registerExpiry = 300

// Register performs the initial REGISTER and starts a refresh loop that
// re-registers at 80% of the server-granted expiry.
func (e *SIPEngine) Register(ctx context.Context, creds Credentials) error {
	e.mu.Lock()
	if e.regCancel != nil {
		e.regCancel()
		e.regCancel = nil
	}
	e.creds = creds
	e.mu.Unlock()

	granted, err := e.sendRegister(ctx, creds, registerExpiry)
	if err != nil {
		return err
	}
	e.logger.Info("registered with sip registrar",
		"username", creds.Username,
		"domain", creds.Domain,
		"expires_in", granted,
	)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.regCancel = cancel
	e.mu.Unlock()
	go e.registrationLoop(loopCtx, creds, granted)
	return nil
}

// Unregister stops the refresh loop and sends a zero-expiry REGISTER.
func (e *SIPEngine) Unregister(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.regCancel
	e.regCancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	return e.sendUnregister(ctx)
}

func (e *SIPEngine) sendUnregister(ctx context.Context) error {
	e.mu.Lock()
	creds := e.creds
	e.mu.Unlock()
	if creds.Username == "" {
		return nil
	}
	_, err := e.sendRegister(ctx, creds, 0)
	return err
}

// registrationLoop keeps the registration fresh. Failures retry with
// exponential backoff capped at five minutes.
func (e *SIPEngine) registrationLoop(ctx context.Context, creds Credentials, granted int) {
	retryDelay := 5 * time.Second
	refresh := refreshInterval(granted)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}

		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		newGranted, err := e.sendRegister(regCtx, creds, registerExpiry)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("re-registration failed",
				"error", err,
				"retry_in", retryDelay.String(),
			)
			refresh = retryDelay
			retryDelay *= 2
			if retryDelay > 5*time.Minute {
				retryDelay = 5 * time.Minute
			}
			continue
		}

		retryDelay = 5 * time.Second
		refresh = refreshInterval(newGranted)
		e.logger.Debug("re-registered", "expires_in", newGranted)
	}
}

// refreshInterval returns 80% of the granted expiry, the refresh point that
// absorbs network delays without letting the registration lapse.
func refreshInterval(grantedSeconds int) time.Duration {
	return time.Duration(float64(grantedSeconds)*0.8) * time.Second
}

// sendRegister sends one REGISTER with digest auth handling. On success it
// returns the server-granted expiry, which the registrar may have shortened
// from the requested one.
func (e *SIPEngine) sendRegister(ctx context.Context, creds Credentials, expiry int) (int, error) {
	registrar := creds.Domain
	if creds.Proxy != "" {
		registrar = creds.Proxy
	}
	recipientStr := "sip:" + registrar
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(e.opts.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", creds.Username, creds.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", creds.Username, e.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := e.withDigestAuth(req, res, creds, recipientStr)
		if err != nil {
			return 0, err
		}

		tx2, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// withDigestAuth clones req with an authorization header answering the
// challenge in res.
func (e *SIPEngine) withDigestAuth(req *sip.Request, res *sip.Response, creds Credentials, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value like <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// randTag generates a dialog tag.
func randTag() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}
