// Package rosclient implements a MikroTik RouterOS administration client:
// hybrid socket/REST transport, adaptive rate limiting, circuit breaking,
// a short-TTL read cache, an offline write queue, live mirrors of RouterOS
// collections, and diffed/throttled snapshot subscriptions over them.
package rosclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/routeros-client/rosclient/aliases"
	"github.com/routeros-client/rosclient/auth"
	"github.com/routeros-client/rosclient/breaker"
	"github.com/routeros-client/rosclient/cache"
	"github.com/routeros-client/rosclient/follow"
	"github.com/routeros-client/rosclient/mirror"
	"github.com/routeros-client/rosclient/queue"
	"github.com/routeros-client/rosclient/ratelimit"
	"github.com/routeros-client/rosclient/router"
	"github.com/routeros-client/rosclient/subscription"
	"github.com/routeros-client/rosclient/transport"
)

// Protocol selects the primary transport an operation is routed over.
type Protocol string

const (
	ProtocolSocket Protocol = "socket"
	ProtocolREST   Protocol = "rest"
)

const (
	DefaultSocketPort = 8728
	DefaultTLSPort    = 8729
	DefaultRESTPort   = 443
)

// Default token-bucket parameters applied when Config.RateLimit is left
// zero-valued, chosen to be generous enough not to throttle a single
// interactive client under normal conditions while still giving the
// adaptive feedback loop room to react to latency.
const (
	DefaultNominalRate = 20.0
	DefaultBurst       = 20
)

// Config configures a Client. Settings present in the four core
// environment variables (MIKROTIK_HOST, MIKROTIK_USER, MIKROTIK_PASS,
// MIKROTIK_PORT) override whatever was supplied in code, and their
// presence is what disables the hardcoded-credential gate (see New).
type Config struct {
	Host     string
	User     string
	Password string
	Protocol Protocol // defaults to ProtocolSocket
	Port     int      // defaults by Protocol if zero

	// PortAPISSL, when set alongside Protocol == ProtocolREST, opens a
	// secondary binary-socket channel reserved exclusively for follow-mode
	// streams ("hybrid routing").
	PortAPISSL int

	// TLS enables TLS on the binary socket transport and selects https (vs.
	// plain http, useful for pointing at a local test fixture) as the REST
	// transport's scheme.
	TLS              bool
	HandshakeTimeout time.Duration
	AllowInsecure     bool // required when a password is set in code rather than via env
	RateLimit         ratelimit.Config
	BreakerThreshold  int
	BreakerReset      time.Duration
	CacheTTL          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = ProtocolSocket
	}
	if c.Port == 0 {
		switch {
		case c.Protocol == ProtocolREST:
			c.Port = DefaultRESTPort
		case c.TLS:
			c.Port = DefaultTLSPort
		default:
			c.Port = DefaultSocketPort
		}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if c.RateLimit.NominalRate == 0 {
		c.RateLimit.NominalRate = DefaultNominalRate
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	return c
}

// withEnv applies the documented environment variable overrides and
// reports whether all four core variables were present, the condition
// that disables the hardcoded-credential gate.
func (c Config) withEnv() (Config, bool) {
	host := os.Getenv("MIKROTIK_HOST")
	user := os.Getenv("MIKROTIK_USER")
	pass := os.Getenv("MIKROTIK_PASS")
	port := os.Getenv("MIKROTIK_PORT")

	if host != "" {
		c.Host = host
	}
	if user != "" {
		c.User = user
	}
	if pass != "" {
		c.Password = pass
	}
	if port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if proto := os.Getenv("MIKROTIK_PROTOCOL"); proto != "" {
		c.Protocol = Protocol(proto)
	}
	if sslPort := os.Getenv("MIKROTIK_PORT_APISSL"); sslPort != "" {
		if p, err := strconv.Atoi(sslPort); err == nil {
			c.PortAPISSL = p
		}
	}
	return c, host != "" && user != "" && pass != "" && port != ""
}

// WriteAction selects which wire operation a Write dispatches.
type WriteAction int

const (
	ActionAdd WriteAction = iota
	ActionSet
	ActionRemove
	ActionDo
)

// WriteOptions controls idempotent-duplicate recovery on Add and, through
// Persistent, whether a write rejected by an open breaker is queued offline.
type WriteOptions = transport.WriteOptions

// Client is the facade: hybrid routing across the Socket and REST
// transports, with rate limiting, circuit breaking, read caching, offline
// queueing, live mirrors, and subscriptions layered on top of whichever
// transport an operation is routed to.
type Client struct {
	cfg     Config
	fromEnv bool

	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	queue   *queue.Queue
	aliases *aliases.Table

	mu        sync.Mutex
	connected bool

	rest *transport.REST

	socket *transport.Socket
	core   *router.Core

	streamSocket *transport.Socket
	streamCore   *router.Core

	mirrors *mirror.Registry
}

// New validates cfg (applying environment overrides and defaults) and
// constructs an unconnected Client. It refuses to build a client carrying
// in-code credentials unless AllowInsecure is set or every credential came
// from the environment.
func New(cfg Config) (*Client, error) {
	cfg, fromEnv := cfg.withEnv()
	cfg = cfg.withDefaults()

	if cfg.Host == "" {
		return nil, &ConfigError{Reason: "host is required"}
	}
	if !fromEnv && cfg.Password != "" && !cfg.AllowInsecure {
		return nil, &ConfigError{Reason: "in-code credentials require AllowInsecure (or supply all of MIKROTIK_HOST/USER/PASS/PORT via environment)"}
	}

	c := &Client{
		cfg:     cfg,
		fromEnv: fromEnv,
		breaker: breaker.New(cfg.BreakerThreshold, cfg.BreakerReset),
		cache:   cache.New(cfg.CacheTTL),
		queue:   queue.New(),
		aliases: aliases.New(),
	}
	c.limiter = ratelimit.New(cfg.RateLimit)
	return c, nil
}

// Connect runs the protocol-appropriate handshake, wrapped end to end in
// the circuit breaker.
func (c *Client) Connect(ctx context.Context) error {
	return c.breaker.Execute(func() error {
		switch c.cfg.Protocol {
		case ProtocolREST:
			return c.connectREST(ctx)
		default:
			return c.connectSocket(ctx)
		}
	})
}

func (c *Client) connectREST(ctx context.Context) error {
	scheme := "http"
	if c.cfg.TLS {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
	rest := transport.NewREST(base, c.cfg.User, c.cfg.Password)

	if _, err := rest.Print(ctx, "/system/resource", nil, nil); err != nil {
		return &TransportError{Op: "rest-probe", Err: err}
	}

	c.mu.Lock()
	c.rest = rest
	c.mu.Unlock()

	if c.cfg.PortAPISSL != 0 {
		if err := c.connectSecondarySocket(ctx); err != nil {
			return err
		}
	}

	c.finishConnect(ctx)
	return nil
}

func (c *Client) connectSocket(ctx context.Context) error {
	socket, core, err := c.dialAndLogin(ctx, c.cfg.Port)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.socket = socket
	c.core = core
	c.mu.Unlock()

	c.finishConnect(ctx)
	return nil
}

func (c *Client) connectSecondarySocket(ctx context.Context) error {
	socket, core, err := c.dialAndLogin(ctx, c.cfg.PortAPISSL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.streamSocket = socket
	c.streamCore = core
	c.mu.Unlock()
	return nil
}

func (c *Client) dialAndLogin(ctx context.Context, port int) (*transport.Socket, *router.Core, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, port)
	var tlsCfg *tls.Config
	if c.cfg.TLS {
		tlsCfg = &tls.Config{ServerName: c.cfg.Host}
	}
	socket, err := transport.Dial(ctx, transport.DialConfig{
		Address:          addr,
		TLS:              tlsCfg,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	})
	if err != nil {
		return nil, nil, &TransportError{Op: "dial", Err: err}
	}

	core := router.New(socket, c.limiter.SubmitFeedback)
	core.Start()

	if err := core.Login(ctx, c.cfg.User, c.cfg.Password, auth.HashChallenge); err != nil {
		socket.Close()
		return nil, nil, &AuthError{Reason: err.Error()}
	}
	return socket, core, nil
}

// finishConnect builds the mirror registry over the streaming core, marks
// the client ready, and replays any writes accrued in the offline queue
// while the connection was down. The alias table built in New is not loaded
// or consulted here, so this never fails the connect sequence.
func (c *Client) finishConnect(ctx context.Context) {
	c.mu.Lock()
	if core := c.streamOrPrimaryCore(); core != nil {
		c.mirrors = mirror.NewRegistry(core)
	}
	c.connected = true
	c.mu.Unlock()
	glog.V(1).Infof("rosclient: connected to %s (%s)", c.cfg.Host, c.cfg.Protocol)

	if c.queue.Len() > 0 {
		c.drainQueue(ctx)
	}
}

// streamOrPrimaryCore returns the Core that follow-mode streams must use:
// the secondary hybrid-streaming socket if one was opened, otherwise the
// primary socket Core (nil under REST-only, where streaming is
// unavailable).
func (c *Client) streamOrPrimaryCore() *router.Core {
	if c.streamCore != nil {
		return c.streamCore
	}
	return c.core
}

// Close tears down every open transport. Pending operations are dropped
// without being resolved, per the explicit-close contract.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter.Stop()
	var firstErr error
	if c.core != nil {
		if err := c.core.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.streamCore != nil {
		if err := c.streamCore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.connected = false
	return firstErr
}

// usesSocket reports whether read/write/remove operations route over the
// binary socket rather than REST.
func (c *Client) usesSocket() bool { return c.cfg.Protocol != ProtocolREST }

// Print performs a read: the cache is consulted first; on a miss the
// request flows through the write path's breaker/rate-limiter wrapping and
// populates the cache on success.
func (c *Client) Print(ctx context.Context, path string, proplist []string, query []string) ([]map[string]string, error) {
	key := cache.Key(c.cfg.Host, path, queryToParams(query))
	if rows, ok := c.cache.Get(key); ok {
		return rows, nil
	}

	var rows []map[string]string
	err := c.guarded(ctx, func() error {
		var err error
		rows, err = c.dispatchPrint(ctx, path, proplist, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.cache.Set(c.cfg.Host, path, key, rows)
	return rows, nil
}

func (c *Client) dispatchPrint(ctx context.Context, path string, proplist, query []string) ([]map[string]string, error) {
	if !c.usesSocket() {
		rows, err := c.rest.Print(ctx, path, proplist, query)
		if err != nil {
			return nil, translateRESTError(err)
		}
		return stringifyRows(rows), nil
	}

	params := router.Params{Queries: query}
	if len(proplist) > 0 {
		params.Attrs = map[string]string{".proplist": strings.Join(proplist, ",")}
	}
	rows, err := c.core.Submit(ctx, path+"/print", params)
	if err != nil {
		return nil, translateSocketError(err)
	}
	return rows, nil
}

// Write dispatches a create/update/remove/other command through
// breaker.Execute(rate-limiter.Acquire(); dispatch()). A command marked
// opts.Persistent bypasses dispatch and is instead accepted into the offline
// queue on a circuit-open rejection, returning (nil, ErrQueuedOffline) rather
// than propagating the failure; a non-persistent command always fails loudly.
func (c *Client) Write(ctx context.Context, path string, action WriteAction, id string, params map[string]string, opts WriteOptions) ([]map[string]string, error) {
	var rows []map[string]string
	err := c.guarded(ctx, func() error {
		var err error
		rows, err = c.dispatchWrite(ctx, path, action, id, params, opts)
		return err
	})
	if err != nil {
		var openErr *breaker.OpenError
		if opts.Persistent && isOpenError(err, &openErr) {
			c.queue.Enqueue(path, queueAction(action), queueParams(id, params))
			return nil, ErrQueuedOffline
		}
		return nil, err
	}

	c.cache.InvalidatePrefix(c.cfg.Host, path)
	return rows, nil
}

func (c *Client) dispatchWrite(ctx context.Context, path string, action WriteAction, id string, params map[string]string, opts WriteOptions) ([]map[string]string, error) {
	if !c.usesSocket() {
		rows, err := c.dispatchRESTWrite(ctx, path, action, id, params, opts)
		if err != nil {
			return nil, translateRESTError(err)
		}
		return stringifyRows(rows), nil
	}
	return c.dispatchSocketWrite(ctx, path, action, id, params)
}

func (c *Client) dispatchRESTWrite(ctx context.Context, path string, action WriteAction, id string, params map[string]string, opts WriteOptions) ([]map[string]any, error) {
	switch action {
	case ActionAdd:
		return c.rest.Add(ctx, path, params, opts)
	case ActionSet:
		return c.rest.Set(ctx, path, id, params)
	case ActionRemove:
		return c.rest.Remove(ctx, path, id)
	default:
		return c.rest.Do(ctx, path, params)
	}
}

func (c *Client) dispatchSocketWrite(ctx context.Context, path string, action WriteAction, id string, params map[string]string) ([]map[string]string, error) {
	attrs := make(map[string]string, len(params)+1)
	for k, v := range params {
		attrs[k] = v
	}
	var cmd string
	switch action {
	case ActionAdd:
		cmd = path + "/add"
	case ActionSet:
		cmd = path + "/set"
		attrs[".id"] = id
	case ActionRemove:
		cmd = path + "/remove"
		attrs[".id"] = id
	default:
		cmd = path
	}
	rows, err := c.core.Submit(ctx, cmd, router.Params{Attrs: attrs})
	if err != nil {
		return nil, translateSocketError(err)
	}
	return rows, nil
}

// guarded wraps fn in breaker.Execute(rate-limiter.Acquire(); fn()), the
// write path's standard wrapping, also used for reads so cache-miss reads
// get the same backpressure and failure-domain protection as writes.
func (c *Client) guarded(ctx context.Context, fn func() error) error {
	return c.breaker.Execute(func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		return fn()
	})
}

// Do dispatches an arbitrary command, satisfying the narrow interface the
// Pool and Swarm packages drive a facade through.
func (c *Client) Do(ctx context.Context, cmd string, params map[string]string) ([]map[string]string, error) {
	path, action := classifyCommand(cmd)
	id := params[".id"]
	return c.Write(ctx, path, action, id, params, WriteOptions{})
}

// classifyCommand splits a "/path/verb" command into its path and
// WriteAction. Do's id (for set/remove) travels inside params[".id"]
// instead of a separate argument, matching the Swarm's narrow
// single-method dispatch contract.
func classifyCommand(cmd string) (path string, action WriteAction) {
	switch {
	case strings.HasSuffix(cmd, "/add"):
		return strings.TrimSuffix(cmd, "/add"), ActionAdd
	case strings.HasSuffix(cmd, "/set"):
		return strings.TrimSuffix(cmd, "/set"), ActionSet
	case strings.HasSuffix(cmd, "/remove"):
		return strings.TrimSuffix(cmd, "/remove"), ActionRemove
	default:
		return cmd, ActionDo
	}
}

func queueAction(a WriteAction) queue.Action {
	switch a {
	case ActionAdd:
		return queue.ActionAdd
	case ActionSet:
		return queue.ActionSet
	case ActionRemove:
		return queue.ActionRemove
	default:
		return queue.ActionAdd
	}
}

func actionFromQueue(a queue.Action) WriteAction {
	switch a {
	case queue.ActionAdd:
		return ActionAdd
	case queue.ActionSet:
		return ActionSet
	case queue.ActionRemove:
		return ActionRemove
	default:
		return ActionAdd
	}
}

// queueParams folds id into params under ".id" so a Set/Remove task's target
// survives the round trip through the queue, which has no separate id field.
func queueParams(id string, params map[string]string) map[string]string {
	if id == "" {
		return params
	}
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[".id"] = id
	return out
}

// splitQueueParams reverses queueParams, recovering the id dispatchWrite
// expects as a separate argument from a replayed Task's Params.
func splitQueueParams(params map[string]string) (id string, rest map[string]string) {
	id = params[".id"]
	if id == "" {
		return "", params
	}
	rest = make(map[string]string, len(params))
	for k, v := range params {
		if k == ".id" {
			continue
		}
		rest[k] = v
	}
	return id, rest
}

// drainQueue replays previously queued writes in order after a (re)connect.
// Replay is best-effort, not transactional (spec's offline queue contract):
// the first failure stops the pass and requeues the failed task along with
// everything still undrained behind it, so a later reconnect gets another
// chance rather than silently losing the remainder.
func (c *Client) drainQueue(ctx context.Context) {
	tasks := c.queue.Drain()
	for i, t := range tasks {
		id, params := splitQueueParams(t.Params)
		if _, err := c.dispatchWrite(ctx, t.Path, actionFromQueue(t.Action), id, params, WriteOptions{}); err != nil {
			glog.V(1).Infof("rosclient: replay of queued %s %s failed, requeuing remainder: %v", t.Action, t.Path, err)
			c.queue.Requeue(tasks[i:])
			return
		}
	}
}

func isOpenError(err error, target **breaker.OpenError) bool {
	oe, ok := err.(*breaker.OpenError)
	if ok {
		*target = oe
	}
	return ok
}

// Stream opens a follow-mode operation over whichever Core hybrid routing
// selects (the secondary streaming socket if one is configured, otherwise
// the primary socket Core), unavailable under REST-only configuration.
func (c *Client) Stream(ctx context.Context, path string, params map[string]string) (iter.Seq2[map[string]string, error], error) {
	core := c.streamOrPrimaryCore()
	if core == nil {
		return nil, &ConfigError{Reason: "follow-mode streaming is unavailable without a socket transport (configure PortAPISSL for hybrid REST+socket routing)"}
	}
	words := streamWords(params)
	return follow.CallWords(ctx, core, path+"/print", words), nil
}

// streamWords renders params as preformed attribute words plus the
// "=follow=" sentinel that marks a print as a continuous stream instead of a
// one-shot listing — the same word router.Params has no way to express.
func streamWords(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	words := make([]string, 0, len(params)+1)
	for _, k := range keys {
		words = append(words, "="+k+"="+params[k])
	}
	words = append(words, "=follow=")
	return words
}

// Mirror starts (or attaches to, if already running) a Live Mirror for
// (path, query), returning the current snapshot and a listener attach
// function.
func (c *Client) Mirror(ctx context.Context, path string, query map[string]string, proplist []string, l mirror.Listener) ([]mirror.Row, func(), error) {
	if c.mirrors == nil {
		return nil, nil, &ConfigError{Reason: "client is not connected"}
	}
	initial, detach := c.mirrors.Subscribe(ctx, path, query, proplist, l)
	return initial, detach, nil
}

// Subscribe attaches a Snapshot Subscription pipeline (throttle/join/diff)
// on top of a Live Mirror for (path, query).
func (c *Client) Subscribe(ctx context.Context, path string, query map[string]string, proplist []string, opts subscription.Options, l subscription.Listener) (*subscription.Subscription, error) {
	if c.mirrors == nil {
		return nil, &ConfigError{Reason: "client is not connected"}
	}
	return subscription.New(ctx, c.mirrors, path, query, proplist, opts, l), nil
}

func translateRESTError(err error) error {
	if rerr, ok := err.(*transport.RouterError); ok {
		return &RouterError{
			Message: rerr.Detail,
			Status:  rerr.Status,
			Detail:  rerr.Detail,
			Command: rerr.Command,
			Raw:     []byte(rerr.Raw),
			At:      rerr.At,
		}
	}
	if lerr, ok := err.(*transport.IdempotencyLostError); ok {
		return &IdempotencyLostError{Path: lerr.Path, Key: lerr.Key, Val: lerr.Val}
	}
	return &TransportError{Op: "rest", Err: err}
}

// translateSocketError maps a router.ConnectionLostError onto the root
// error taxonomy so callers that only import rosclient can match it
// without reaching into the router package; other socket errors pass
// through unchanged.
func translateSocketError(err error) error {
	if lerr, ok := err.(*router.ConnectionLostError); ok {
		return &ConnectionLostError{Tag: lerr.Tag}
	}
	return err
}

func stringifyRows(rows []map[string]any) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, r := range rows {
		m := make(map[string]string, len(r))
		for k, v := range r {
			m[k] = fmt.Sprintf("%v", v)
		}
		out[i] = m
	}
	return out
}

func queryToParams(query []string) map[string]string {
	if len(query) == 0 {
		return nil
	}
	out := make(map[string]string, len(query))
	for _, q := range query {
		out[q] = "true"
	}
	return out
}
