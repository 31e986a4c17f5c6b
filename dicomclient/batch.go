package dicomclient

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/dicom-assoc-client/assoc"
	"github.com/otcheredev/dicom-assoc-client/dcmerrors"
	"github.com/otcheredev/dicom-assoc-client/dimse"
	"github.com/otcheredev/dicom-assoc-client/internal/logging"
	"github.com/otcheredev/dicom-assoc-client/internal/metrics"
	"github.com/otcheredev/dicom-assoc-client/pdu"
	"github.com/rs/zerolog"
)

// watchdogInterval bounds how often the timeout watchdog wakes to check
// last_activity_at against request_timeout; it is independent of
// request_timeout itself so short test timeouts still get checked promptly.
const watchdogInterval = 50 * time.Millisecond

// trackedRequest is the dispatcher's bookkeeping for one request that has
// been transmitted on the current association.
type trackedRequest struct {
	req        *DicomRequest
	contextID  byte
	cancelSent bool
	sentAt     time.Time
}

// batchRunner drives one association's worth of request traffic: sending
// (pipelined up to async_ops_invoked, capped at max_requests_per_association
// total on this association), receiving and correlating responses, the
// timeout watchdog, and the release/linger decision at the end.
type batchRunner struct {
	client *Client
	assoc  *assoc.Association
	log    zerolog.Logger

	mu        sync.Mutex
	inFlight  map[uint16]*trackedRequest
	demux     *dimse.Demultiplexer
	sem       chan struct{}
	sentCount int
}

func newBatchRunner(c *Client, a *assoc.Association) *batchRunner {
	invoked := a.AsyncOpsInvoked()
	if invoked == 0 {
		invoked = 1
	}
	return &batchRunner{
		client:   c,
		assoc:    a,
		log:      logging.For("dicomclient"),
		inFlight: make(map[uint16]*trackedRequest),
		demux:    dimse.NewDemultiplexer(),
		sem:      make(chan struct{}, invoked),
	}
}

// run drives the association until the queue is drained past linger, the
// per-association batch cap is reached, or the association aborts. It
// returns nil on a graceful release, or the terminating error otherwise.
func (br *batchRunner) run(ctx context.Context, cancel <-chan struct{}) error {
	abortCh := make(chan error, 1)
	go br.receiveLoop(abortCh)
	watchdogStop := make(chan struct{})
	go br.watchdogLoop(watchdogStop)
	defer close(watchdogStop)

	maxOnAssoc := br.client.cfg.MaxRequestsPerAssociation

	for {
		select {
		case err := <-abortCh:
			br.failAllInFlight(err)
			return err
		default:
		}

		if br.sentCount >= maxOnAssoc {
			_, err := br.waitUntil(ctx, cancel, abortCh, time.Time{}, false, func() bool { return br.inFlightCount() == 0 })
			if err != nil {
				br.failAllInFlight(err)
				return err
			}
			return br.release(ctx)
		}

		req, ok := br.client.queue.popOne()
		if !ok {
			if br.inFlightCount() == 0 {
				deadline := time.Now().Add(br.client.cfg.Linger)
				workArrived, err := br.waitUntil(ctx, cancel, abortCh, deadline, true, func() bool { return br.client.queue.len() > 0 })
				if err != nil {
					br.failAllInFlight(err)
					return err
				}
				if workArrived {
					continue
				}
				return br.release(ctx)
			}
			before := br.inFlightCount()
			_, err := br.waitUntil(ctx, cancel, abortCh, time.Time{}, false, func() bool { return br.inFlightCount() != before })
			if err != nil {
				br.failAllInFlight(err)
				return err
			}
			continue
		}

		if req.cancelRequested() {
			req.finishTerminal(StateFailed, nil, &dcmerrors.CancelledError{Scope: "request"})
			continue
		}

		// Acquire a pipelining slot before the request ever reaches the
		// wire, so async_ops_invoked bounds what's outstanding and an
		// abort/cancel/context-done while waiting for room is never missed.
		if err := br.acquireSlot(ctx, cancel, abortCh); err != nil {
			req.finishTerminal(StateFailed, nil, err)
			br.failAllInFlight(err)
			return err
		}

		if err := br.send(req); err != nil {
			<-br.sem
			req.finishTerminal(StateFailed, nil, err)
			metrics.RequestsFailed.WithLabelValues(commandLabel(req.CommandField), "transport").Inc()
			continue
		}
		br.sentCount++
	}
}

// acquireSlot blocks until a pipelining slot is free (fewer than
// async_ops_invoked requests outstanding), or an abort/cancel/context-done
// interrupts the wait.
func (br *batchRunner) acquireSlot(ctx context.Context, cancel <-chan struct{}, abortCh chan error) error {
	select {
	case br.sem <- struct{}{}:
		return nil
	case e := <-abortCh:
		return e
	case <-cancel:
		br.assoc.Abort(pdu.AbortReasonNotSpecified)
		return &dcmerrors.CancelledError{Scope: "send"}
	case <-ctx.Done():
		br.assoc.Abort(pdu.AbortReasonNotSpecified)
		return ctx.Err()
	}
}

func (br *batchRunner) inFlightCount() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.inFlight)
}

// waitUntil polls cond every watchdogInterval until it is true, an
// association abort/local cancel/context cancellation interrupts the wait,
// or (if hasDeadline) deadline passes. ok reports whether cond became true;
// err, when non-nil, is always the reason run() should return immediately
// (it is never set alongside ok=true).
func (br *batchRunner) waitUntil(ctx context.Context, cancel <-chan struct{}, abortCh chan error, deadline time.Time, hasDeadline bool, cond func() bool) (ok bool, err error) {
	for {
		if cond() {
			return true, nil
		}

		var timeoutC <-chan time.Time
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			timeoutC = time.After(remaining)
		}

		select {
		case e := <-abortCh:
			return false, e
		case <-cancel:
			br.assoc.Abort(pdu.AbortReasonNotSpecified)
			return false, &dcmerrors.CancelledError{Scope: "send"}
		case <-ctx.Done():
			br.assoc.Abort(pdu.AbortReasonNotSpecified)
			return false, ctx.Err()
		case <-timeoutC:
			return false, nil
		case <-time.After(watchdogInterval):
		}
	}
}

func (br *batchRunner) release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return br.assoc.Release(releaseCtx)
}

// send transmits req's command (and dataset, if present) as PDVs on its
// negotiated presentation context, marking it InFlight only once the final
// PDV has actually left the client — the send-side timeout coexistence rule
// of spec §4.5.
func (br *batchRunner) send(req *DicomRequest) error {
	contextID, transferSyntax, ok := br.assoc.ContextIDFor(req.SOPClassUID)
	if !ok {
		return &dcmerrors.ProtocolViolationError{Detail: "no accepted presentation context for " + req.SOPClassUID}
	}

	dataDataset := req.Dataset
	if len(dataDataset) > 0 && req.NativeTransferSyntax != "" && req.NativeTransferSyntax != transferSyntax {
		converted, err := br.client.codec.Transcode(context.Background(), dataDataset, req.NativeTransferSyntax, transferSyntax)
		if err != nil {
			return err
		}
		dataDataset = converted
	}

	cmd := &dimse.Command{
		CommandField:           req.CommandField,
		MessageID:               req.MessageID,
		Priority:                 req.Priority,
		AffectedSOPClassUID:     req.SOPClassUID,
		AffectedSOPInstanceUID: req.AffectedSOPInstanceUID,
		MoveDestination:         req.MoveDestination,
		CommandDataSetType:      dimse.DataSetTypeNone,
	}
	if len(dataDataset) > 0 {
		cmd.CommandDataSetType = dimse.DataSetTypePresent
	}

	peerMaxPDULength := br.assoc.PeerMaxPDULength()
	maxFragment := pdu.MaxFragmentPayload(peerMaxPDULength)
	pdvs := dimse.BuildPDVs(contextID, cmd, dataDataset, maxFragment)

	for _, group := range pdu.GroupForPDU(pdvs, peerMaxPDULength) {
		if err := br.assoc.SendPData(group, 30*time.Second); err != nil {
			return err
		}
	}

	now := time.Now()
	req.markInFlight(now)
	br.mu.Lock()
	br.inFlight[req.MessageID] = &trackedRequest{req: req, contextID: contextID, sentAt: now}
	br.mu.Unlock()
	metrics.InFlightRequests.Inc()
	return nil
}

func (br *batchRunner) receiveLoop(abortCh chan<- error) {
	for {
		select {
		case ev, ok := <-br.assoc.Inbound():
			if !ok {
				return
			}
			for _, p := range ev.PDVs {
				msg, complete, err := br.demux.Feed(p)
				if err != nil {
					br.assoc.Abort(pdu.AbortReasonInvalidPDUParamValue)
					abortCh <- &dcmerrors.ProtocolViolationError{Detail: err.Error()}
					return
				}
				if complete {
					br.handleMessage(msg)
				}
			}
		case info, ok := <-br.assoc.Aborted():
			if ok {
				abortCh <- info
			}
			return
		}
	}
}

func (br *batchRunner) handleMessage(msg *dimse.Message) {
	msgID := msg.Command.MessageIDBeingRespondedTo

	br.mu.Lock()
	tr, ok := br.inFlight[msgID]
	br.mu.Unlock()
	if !ok {
		br.log.Debug().Uint16("message_id", msgID).Msg("dropping response for unknown or already-terminated request")
		return
	}

	resp := &DicomResponse{
		MessageID: msgID,
		Status:    msg.Command.Status,
		Pending:   msg.Command.IsPending(),
		Dataset:   msg.Dataset,
	}

	now := time.Now()
	if resp.Pending {
		tr.req.deliver(resp, now)
		return
	}

	if resp.Status == dimse.StatusCancel && tr.req.cancelRequested() {
		br.completeInFlight(msgID, StateFailed, resp, &dcmerrors.CancelledError{Scope: "request"})
		return
	}

	br.completeInFlight(msgID, StateCompleted, resp, nil)
}

func (br *batchRunner) completeInFlight(msgID uint16, state RequestState, resp *DicomResponse, err error) {
	br.mu.Lock()
	tr, ok := br.inFlight[msgID]
	if ok {
		delete(br.inFlight, msgID)
	}
	br.mu.Unlock()
	if !ok {
		return
	}

	if tr.req.finishTerminal(state, resp, err) {
		<-br.sem
		metrics.InFlightRequests.Dec()
		metrics.RequestDuration.WithLabelValues(commandLabel(tr.req.CommandField)).Observe(time.Since(tr.sentAt).Seconds())
		switch state {
		case StateCompleted:
			metrics.RequestsCompleted.WithLabelValues(commandLabel(tr.req.CommandField)).Inc()
			br.client.events.fire(func() { br.client.events.OnRequestCompleted(tr.req, resp) })
		case StateTimedOut:
			metrics.RequestsTimedOut.WithLabelValues(commandLabel(tr.req.CommandField)).Inc()
			br.client.events.fire(func() { br.client.events.OnRequestTimedOut(tr.req, br.client.cfg.RequestTimeout) })
		case StateFailed:
			metrics.RequestsFailed.WithLabelValues(commandLabel(tr.req.CommandField), abortReason(err)).Inc()
			br.client.events.fire(func() { br.client.events.OnRequestCompleted(tr.req, resp) })
		}
	}
}

func (br *batchRunner) failAllInFlight(err error) {
	br.mu.Lock()
	ids := make([]uint16, 0, len(br.inFlight))
	for id := range br.inFlight {
		ids = append(ids, id)
	}
	br.mu.Unlock()

	for _, id := range ids {
		br.completeInFlight(id, StateFailed, nil, err)
	}
}

// watchdogLoop implements the timeout algorithm of spec §4.5: wakes
// periodically, and for each in-flight request whose silence since
// last_activity_at reaches request_timeout, marks it TimedOut and frees its
// pipelining slot. It leaves the association alive as long as other
// requests still progress.
func (br *batchRunner) watchdogLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			br.mu.Lock()
			var timedOut []uint16
			for id, tr := range br.inFlight {
				if tr.req.silenceSince(now) >= br.client.cfg.RequestTimeout {
					timedOut = append(timedOut, id)
				} else if tr.req.cancelRequested() && tr.req.MultiResponse && !tr.cancelSent {
					tr.cancelSent = true
					br.sendCancel(tr)
				}
			}
			br.mu.Unlock()

			for _, id := range timedOut {
				br.completeInFlight(id, StateTimedOut, nil, &dcmerrors.RequestTimeoutError{
					MessageID: id,
					Silence:   br.client.cfg.RequestTimeout.String(),
				})
			}
		}
	}
}

func (br *batchRunner) sendCancel(tr *trackedRequest) {
	cmd := &dimse.Command{
		CommandField:              dimse.CommandCCancelRQ,
		MessageIDBeingRespondedTo: tr.req.MessageID,
		CommandDataSetType:        dimse.DataSetTypeNone,
	}
	maxFragment := pdu.MaxFragmentPayload(br.assoc.PeerMaxPDULength())
	pdvs := dimse.BuildPDVs(tr.contextID, cmd, nil, maxFragment)
	if err := br.assoc.SendPData(pdvs, 5*time.Second); err != nil {
		br.log.Warn().Err(err).Uint16("message_id", tr.req.MessageID).Msg("failed to send C-CANCEL-RQ")
	}
}
