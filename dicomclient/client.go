// Package dicomclient implements the client dispatcher (spec §4.5): it
// queues DicomRequests, opens/reuses/releases associations, pipelines
// outstanding requests up to the negotiated asynchronous-operations-invoked
// window, enforces per-request timeouts, and emits observable events. It is
// the orchestrator sitting atop pdu, netconn, assoc and dimse.
package dicomclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otcheredev/dicom-assoc-client/assoc"
	"github.com/otcheredev/dicom-assoc-client/dcmerrors"
	"github.com/otcheredev/dicom-assoc-client/dimse"
	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/internal/metrics"
	"github.com/otcheredev/dicom-assoc-client/internal/transcoder"
	"github.com/otcheredev/dicom-assoc-client/netconn"
	"github.com/rs/zerolog"
)

// Config parameterizes the dispatcher, matching the configuration options
// table in spec §6.
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	Host                      string
	Port                      int
	RequestTimeout            time.Duration
	ConnectTimeout            time.Duration
	MaxPDULength              uint32
	MaxRequestsPerAssociation int
	AsyncOpsInvoked           uint16
	Linger                    time.Duration
	TLS                       netconn.TLSConfig
	ProposedContexts          []assoc.ProposedContext
	ImplementationUID         string
	ImplementationVer         string
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Events are the observable callbacks named in spec §4.5. Any field left
// nil is simply not invoked.
type Events struct {
	OnRequestTimedOut     func(req *DicomRequest, timeout time.Duration)
	OnRequestCompleted    func(req *DicomRequest, final *DicomResponse)
	OnAssociationAccepted func(contexts []assoc.PresentationContext)
	OnAssociationReleased func()
	OnAssociationRejected func(err error)
}

func (e Events) fire(f func()) {
	if f != nil {
		f()
	}
}

// Client is the dispatcher: create one per logical SCU identity (calling
// AE title + peer). A Client owns at most one Association at a time (spec
// §9 Ownership) — it never pools connections across independent Client
// instances.
type Client struct {
	cfg    Config
	events Events
	log    zerolog.Logger
	codec  transcoder.Transcoder

	queue dispatcherQueue

	mu            sync.Mutex
	running       bool
	runDone       chan struct{}
	nextMessageID uint16

	alive      atomic.Bool
	assocState atomic.Value // string
}

// NewClient builds a dispatcher. Caller-supplied Events are optional.
func NewClient(cfg Config, events Events) *Client {
	if cfg.MaxRequestsPerAssociation < 1 {
		cfg.MaxRequestsPerAssociation = 1
	}
	if cfg.AsyncOpsInvoked == 0 {
		cfg.AsyncOpsInvoked = 1
	}
	if events.OnRequestTimedOut == nil {
		events.OnRequestTimedOut = func(*DicomRequest, time.Duration) {}
	}
	if events.OnRequestCompleted == nil {
		events.OnRequestCompleted = func(*DicomRequest, *DicomResponse) {}
	}
	if events.OnAssociationAccepted == nil {
		events.OnAssociationAccepted = func([]assoc.PresentationContext) {}
	}
	if events.OnAssociationReleased == nil {
		events.OnAssociationReleased = func() {}
	}
	if events.OnAssociationRejected == nil {
		events.OnAssociationRejected = func(error) {}
	}
	c := &Client{
		cfg:           cfg,
		events:        events,
		log:           logging.For("dicomclient"),
		codec:         transcoder.NewVRLETranscoder(),
		nextMessageID: 1,
	}
	c.assocState.Store("none")
	return c
}

// Alive reports whether send() is currently running — satisfies
// healthhttp.StatusProvider.
func (c *Client) Alive() bool { return c.alive.Load() }

// AssociationState reports the current association's state string, or
// "none" if no association is active — satisfies healthhttp.StatusProvider.
func (c *Client) AssociationState() string {
	v, _ := c.assocState.Load().(string)
	if v == "" {
		return "none"
	}
	return v
}

func (c *Client) setAssocState(s string) { c.assocState.Store(s) }

// AddRequest enqueues req (FIFO), assigning its message_id if unset. Legal
// before or after send begins.
func (c *Client) AddRequest(req *DicomRequest) error {
	if req == nil {
		return fmt.Errorf("dicomclient: request cannot be nil")
	}
	c.mu.Lock()
	if req.MessageID == 0 {
		req.MessageID = c.nextMessageID
		c.nextMessageID++
		if c.nextMessageID == 0 {
			c.nextMessageID = 1
		}
	}
	c.mu.Unlock()

	c.queue.push(req)
	metrics.QueueDepth.Set(float64(c.queue.len()))
	return nil
}

// Send runs until the queue is drained and all in-flight requests have
// terminated. It is idempotent while running: a concurrent caller joins the
// already-running call instead of starting a second run.
func (c *Client) Send(ctx context.Context, cancel <-chan struct{}) error {
	c.mu.Lock()
	if c.running {
		done := c.runDone
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.running = true
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	c.alive.Store(true)
	err := c.run(ctx, cancel)
	c.alive.Store(false)

	c.mu.Lock()
	c.running = false
	close(c.runDone)
	c.mu.Unlock()

	return err
}

func (c *Client) run(ctx context.Context, cancel <-chan struct{}) error {
	for {
		select {
		case <-cancel:
			return &dcmerrors.CancelledError{Scope: "send"}
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.queue.len() == 0 {
			return nil
		}

		a, err := assoc.Associate(ctx, assoc.Config{
			CallingAETitle:    c.cfg.CallingAETitle,
			CalledAETitle:     c.cfg.CalledAETitle,
			Addr:              c.cfg.addr(),
			ConnectTimeout:    c.cfg.ConnectTimeout,
			MaxPDULength:      c.cfg.MaxPDULength,
			AsyncOpsInvoked:   c.cfg.AsyncOpsInvoked,
			AsyncOpsPerformed: c.cfg.AsyncOpsInvoked,
			ProposedContexts:  c.cfg.ProposedContexts,
			TLS:               c.cfg.TLS,
			ImplementationUID: c.cfg.ImplementationUID,
			ImplementationVer: c.cfg.ImplementationVer,
		})
		if err != nil {
			c.setAssocState("Aborted")
			if rj, ok := err.(*dcmerrors.AssociationRejectedError); ok {
				metrics.AssociationsRejected.Inc()
				c.events.fire(func() { c.events.OnAssociationRejected(rj) })
				batch := c.queue.popBatch(c.cfg.MaxRequestsPerAssociation)
				c.failAll(batch, rj)
				continue
			}
			metrics.AssociationsAborted.WithLabelValues("connect_failure").Inc()
			batch := c.queue.popBatch(c.cfg.MaxRequestsPerAssociation)
			c.failAll(batch, err)
			return err
		}

		c.setAssocState("Established")
		metrics.AssociationsOpened.Inc()
		c.events.fire(func() { c.events.OnAssociationAccepted(a.Contexts()) })

		br := newBatchRunner(c, a)
		abortErr := br.run(ctx, cancel)

		if abortErr != nil {
			c.setAssocState(a.State().String())
			metrics.AssociationsAborted.WithLabelValues(abortReason(abortErr)).Inc()
			continue
		}

		c.setAssocState("Closed")
		c.events.fire(func() { c.events.OnAssociationReleased() })
	}
}

func abortReason(err error) string {
	switch err.(type) {
	case *dcmerrors.ProtocolViolationError:
		return "protocol_violation"
	case *dcmerrors.TransportError:
		return "transport"
	case *dcmerrors.CancelledError:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (c *Client) failAll(batch []*DicomRequest, err error) {
	for _, r := range batch {
		if r.finishTerminal(StateFailed, nil, err) {
			metrics.RequestsFailed.WithLabelValues(commandLabel(r.CommandField), abortReason(err)).Inc()
			c.events.fire(func() { c.events.OnRequestCompleted(r, nil) })
		}
	}
}

func commandLabel(commandField uint16) string {
	switch commandField {
	case dimse.CommandCEchoRQ:
		return "c-echo"
	case dimse.CommandCFindRQ:
		return "c-find"
	case dimse.CommandCMoveRQ:
		return "c-move"
	case dimse.CommandCGetRQ:
		return "c-get"
	case dimse.CommandCStoreRQ:
		return "c-store"
	default:
		return "unknown"
	}
}
