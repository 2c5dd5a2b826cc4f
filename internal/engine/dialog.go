package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// dialog is one SIP dialog tracked by the engine. The Call-ID doubles as
// the orchestration handle. Fields are guarded by the engine mutex.
type dialog struct {
	callID    string
	outbound  bool
	remoteURI string
	slot      Slot

	confirmed  bool
	terminated bool
	held       bool

	// Dialog identification for in-dialog requests (BYE, re-INVITE).
	localAddr    sip.Uri
	remoteAddr   sip.Uri
	localTag     string
	remoteTag    string
	remoteTarget *sip.Uri
	cseq         uint32

	// UAC leg.
	inviteReq *sip.Request
	inviteRes *sip.Response

	// UAS leg, while awaiting answer.
	serverReq *sip.Request
	serverTx  sip.ServerTransaction
}

func (e *SIPEngine) getDialog(handle string) (*dialog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.dialogs[handle]
	if !ok {
		return nil, fmt.Errorf("no dialog with call id %q", handle)
	}
	return d, nil
}

// removeDialog drops the dialog and frees its media slot.
func (e *SIPEngine) removeDialog(d *dialog) {
	e.mu.Lock()
	d.terminated = true
	delete(e.dialogs, d.callID)
	e.mu.Unlock()
	e.matrix.Release(d.slot)
}

// Place starts an outbound INVITE. The dialog handle is returned at once;
// signaling progress arrives on the call event channel.
func (e *SIPEngine) Place(ctx context.Context, uri string) (string, error) {
	e.mu.Lock()
	creds := e.creds
	e.mu.Unlock()
	if creds.Username == "" {
		return "", fmt.Errorf("cannot place call: no sip account registered")
	}

	var recipient sip.Uri
	if err := sip.ParseUri(uri, &recipient); err != nil {
		return "", fmt.Errorf("parsing call uri %q: %w", uri, err)
	}

	d := &dialog{
		callID:    uuid.NewString(),
		outbound:  true,
		remoteURI: uri,
		slot:      e.matrix.Allocate(),
		localTag:  randTag(),
	}
	e.mu.Lock()
	e.dialogs[d.callID] = d
	e.mu.Unlock()

	go e.runInvite(d, recipient, creds)
	return d.callID, nil
}

// inviteTimeout bounds the wait for a final INVITE response.
const inviteTimeout = 60 * time.Second

// runInvite drives the outbound INVITE transaction to a final response,
// handling digest challenges and emitting progress events.
func (e *SIPEngine) runInvite(d *dialog, recipient sip.Uri, creds Credentials) {
	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	defer cancel()

	e.emitCall(CallStateEvent{Handle: d.callID, State: CallStateCalling, RemoteURI: d.remoteURI})

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(e.opts.Transport))
	if creds.Proxy != "" {
		req.SetDestination(creds.Proxy)
	}
	req.AppendHeader(sip.NewHeader("Call-ID", d.callID))
	req.AppendHeader(sip.NewHeader("From",
		fmt.Sprintf("<sip:%s@%s>;tag=%s", creds.Username, creds.Domain, d.localTag)))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", creds.Username, e.ua.Hostname())))
	body := buildSDP(e.ua.Hostname(), d.slot, sdpSendRecv)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	e.mu.Lock()
	d.inviteReq = req
	e.mu.Unlock()

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.logger.Error("sending invite failed", "call_id", d.callID, "error", err)
		e.failDialog(d, 0)
		return
	}
	defer tx.Terminate()

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			e.failDialog(d, 408)
			return
		case <-tx.Done():
			e.logger.Warn("invite transaction ended without final response",
				"call_id", d.callID,
				"error", tx.Err(),
			)
			e.failDialog(d, 0)
			return
		case res = <-tx.Responses():
		}

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			e.emitCall(CallStateEvent{
				Handle:    d.callID,
				State:     CallStateEarly,
				Code:      res.StatusCode,
				RemoteURI: d.remoteURI,
			})

		case res.StatusCode == 401 || res.StatusCode == 407:
			if authed {
				e.failDialog(d, res.StatusCode)
				return
			}
			authed = true
			tx.Terminate()

			authReq, err := e.withDigestAuth(req, res, creds, d.remoteURI)
			if err != nil {
				e.logger.Error("invite auth failed", "call_id", d.callID, "error", err)
				e.failDialog(d, res.StatusCode)
				return
			}
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.logger.Error("sending authenticated invite failed", "call_id", d.callID, "error", err)
				e.failDialog(d, 0)
				return
			}
			req = authReq
			e.mu.Lock()
			d.inviteReq = req
			e.mu.Unlock()

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildAck(req, res)
			if err := e.client.WriteRequest(ack); err != nil {
				e.logger.Error("sending ack failed", "call_id", d.callID, "error", err)
				e.failDialog(d, 0)
				return
			}
			e.confirmOutbound(d, req, res)
			return

		case res.StatusCode >= 300:
			e.emitCall(CallStateEvent{
				Handle:    d.callID,
				State:     CallStateDisconnected,
				Code:      res.StatusCode,
				RemoteURI: d.remoteURI,
			})
			e.removeDialog(d)
			return
		}
	}
}

// confirmOutbound captures the dialog state from the 2xx and reports the
// call as confirmed with active media.
func (e *SIPEngine) confirmOutbound(d *dialog, req *sip.Request, res *sip.Response) {
	e.mu.Lock()
	d.confirmed = true
	d.inviteReq = req
	d.inviteRes = res
	if from := req.From(); from != nil {
		d.localAddr = *from.Address.Clone()
	}
	if to := res.To(); to != nil {
		d.remoteAddr = *to.Address.Clone()
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	}
	if cseq := req.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo + 1
	}
	slot := d.slot
	e.mu.Unlock()

	e.logger.Info("outbound call confirmed", "call_id", d.callID, "slot", int(slot))
	e.emitCall(CallStateEvent{
		Handle:    d.callID,
		State:     CallStateConfirmed,
		Code:      200,
		RemoteURI: d.remoteURI,
	})
	e.emitMedia(MediaStateEvent{Handle: d.callID, Active: true, Slot: slot})
}

// failDialog reports a failed outbound call and releases its resources.
func (e *SIPEngine) failDialog(d *dialog, code int) {
	e.mu.Lock()
	gone := d.terminated
	e.mu.Unlock()
	if gone {
		return
	}
	e.emitCall(CallStateEvent{
		Handle:    d.callID,
		State:     CallStateDisconnected,
		Code:      code,
		RemoteURI: d.remoteURI,
	})
	e.removeDialog(d)
}

// Answer sends 200 OK with an SDP answer for a ringing inbound dialog.
func (e *SIPEngine) Answer(ctx context.Context, handle string) error {
	d, err := e.getDialog(handle)
	if err != nil {
		return err
	}

	e.mu.Lock()
	tx, req := d.serverTx, d.serverReq
	creds := e.creds
	e.mu.Unlock()
	if d.outbound || tx == nil {
		return fmt.Errorf("dialog %s is not an answerable incoming call", handle)
	}

	body := buildSDP(e.ua.Hostname(), d.slot, sdpSendRecv)
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", creds.Username, e.ua.Hostname())))
	if to := res.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}

	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("answering call: %w", err)
	}

	e.mu.Lock()
	d.confirmed = true
	d.serverTx = nil
	d.cseq = 1
	slot := d.slot
	e.mu.Unlock()

	e.logger.Info("inbound call answered", "call_id", d.callID, "slot", int(slot))
	e.emitCall(CallStateEvent{
		Handle:    d.callID,
		State:     CallStateConfirmed,
		Code:      200,
		RemoteURI: d.remoteURI,
	})
	e.emitMedia(MediaStateEvent{Handle: d.callID, Active: true, Slot: slot})
	return nil
}

// Hangup terminates a dialog: BYE when confirmed, CANCEL for a ringing
// outbound call, 486 for a ringing inbound one.
func (e *SIPEngine) Hangup(ctx context.Context, handle string) error {
	d, err := e.getDialog(handle)
	if err != nil {
		return err
	}

	e.mu.Lock()
	confirmed, outbound := d.confirmed, d.outbound
	inviteReq := d.inviteReq
	serverTx, serverReq := d.serverTx, d.serverReq
	e.mu.Unlock()

	switch {
	case confirmed:
		bye := e.newInDialogRequest(d, sip.BYE)
		tx, err := e.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
		if err != nil {
			e.removeDialog(d)
			return fmt.Errorf("sending bye: %w", err)
		}
		if _, err := getResponse(ctx, tx); err != nil {
			e.logger.Warn("no response to bye", "call_id", d.callID, "error", err)
		}
		tx.Terminate()
		e.removeDialog(d)

	case outbound:
		// The INVITE loop sees the resulting 487 and finishes the dialog.
		if inviteReq == nil {
			e.removeDialog(d)
			return nil
		}
		cancelReq := buildCancel(inviteReq)
		if err := e.client.WriteRequest(cancelReq); err != nil {
			return fmt.Errorf("sending cancel: %w", err)
		}

	default:
		if serverTx != nil {
			res := sip.NewResponseFromRequest(serverReq, 486, "Busy Here", nil)
			if to := res.To(); to != nil {
				to.Params.Add("tag", d.localTag)
			}
			if err := serverTx.Respond(res); err != nil {
				e.logger.Warn("failed to reject call", "call_id", d.callID, "error", err)
			}
		}
		e.emitCall(CallStateEvent{
			Handle:    d.callID,
			State:     CallStateDisconnected,
			Code:      486,
			RemoteURI: d.remoteURI,
		})
		e.removeDialog(d)
	}
	return nil
}

// Hold renegotiates the dialog's media to sendonly, suspending it.
func (e *SIPEngine) Hold(ctx context.Context, handle string) error {
	return e.renegotiate(ctx, handle, sdpSendOnly, false)
}

// Resume renegotiates the dialog's media back to sendrecv.
func (e *SIPEngine) Resume(ctx context.Context, handle string) error {
	return e.renegotiate(ctx, handle, sdpSendRecv, true)
}

// renegotiate sends a re-INVITE with the given media direction and reports
// the resulting media state.
func (e *SIPEngine) renegotiate(ctx context.Context, handle, direction string, active bool) error {
	d, err := e.getDialog(handle)
	if err != nil {
		return err
	}
	e.mu.Lock()
	confirmed := d.confirmed
	slot := d.slot
	e.mu.Unlock()
	if !confirmed {
		return fmt.Errorf("dialog %s is not confirmed", handle)
	}

	req := e.newInDialogRequest(d, sip.INVITE)
	req.SetBody(buildSDP(e.ua.Hostname(), slot, direction))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for re-invite response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("re-invite failed with status %d %s", res.StatusCode, res.Reason)
	}

	ack := buildAck(req, res)
	if err := e.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending re-invite ack: %w", err)
	}

	e.mu.Lock()
	d.held = !active
	e.mu.Unlock()

	e.emitMedia(MediaStateEvent{Handle: d.callID, Active: active, Slot: slot})
	return nil
}

// newInDialogRequest builds a request inside an established dialog, with
// the dialog's route set, tags and the next local CSeq.
func (e *SIPEngine) newInDialogRequest(d *dialog, method sip.RequestMethod) *sip.Request {
	e.mu.Lock()
	defer e.mu.Unlock()

	recipient := d.remoteAddr
	if d.remoteTarget != nil {
		recipient = *d.remoteTarget.Clone()
	}

	req := sip.NewRequest(method, recipient)
	req.SetTransport(strings.ToUpper(e.opts.Transport))

	from := &sip.FromHeader{Address: *d.localAddr.Clone(), Params: sip.NewParams()}
	from.Params.Add("tag", d.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: *d.remoteAddr.Clone(), Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	d.cseq++

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", e.creds.Username, e.ua.Hostname())))
	return req
}

// buildAck creates the ACK for a 2xx INVITE response. Per RFC 3261
// §13.2.2.4 the UAC core generates this ACK, not the transaction layer.
// The Request-URI comes from the response Contact when present.
func buildAck(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so the remote tag is included.
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetDestination(inviteReq.Destination())
	return ack
}

// buildCancel creates the CANCEL for an in-flight INVITE. Per RFC 3261
// §9.1 it copies the INVITE's Via, From, To, Call-ID and sequence number.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancel.SipVersion = inviteReq.SipVersion

	sip.CopyHeaders("Via", inviteReq, cancel)
	if h := inviteReq.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(inviteReq.Transport())
	cancel.SetDestination(inviteReq.Destination())
	return cancel
}

// onInvite handles a new inbound call or an in-dialog re-INVITE.
func (e *SIPEngine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	callID := callIDHdr.Value()

	e.mu.Lock()
	existing, known := e.dialogs[callID]
	e.mu.Unlock()
	if known {
		e.handleReinvite(existing, req, tx)
		return
	}

	from := req.From()
	if from == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	d := &dialog{
		callID:    callID,
		remoteURI: from.Address.String(),
		slot:      e.matrix.Allocate(),
		localTag:  randTag(),
		serverReq: req,
		serverTx:  tx,
	}
	if to := req.To(); to != nil {
		d.localAddr = *to.Address.Clone()
	}
	d.remoteAddr = *from.Address.Clone()
	if tag, ok := from.Params.Get("tag"); ok {
		d.remoteTag = tag
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	}

	e.mu.Lock()
	e.dialogs[callID] = d
	e.mu.Unlock()

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		e.logger.Warn("failed to send ringing", "call_id", callID, "error", err)
	}

	e.logger.Info("incoming call", "call_id", callID, "from", d.remoteURI)
	e.emitCall(CallStateEvent{
		Handle:    callID,
		State:     CallStateIncoming,
		RemoteURI: d.remoteURI,
	})
}

// handleReinvite accepts a remote media renegotiation and reports the
// resulting media state based on the offered direction.
func (e *SIPEngine) handleReinvite(d *dialog, req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	slot := d.slot
	localTag := d.localTag
	e.mu.Unlock()

	offerHolds := strings.Contains(string(req.Body()), "a=sendonly") ||
		strings.Contains(string(req.Body()), "a=inactive")

	direction := sdpSendRecv
	if offerHolds {
		direction = sdpSendOnly
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", buildSDP(e.ua.Hostname(), slot, direction))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", localTag)
		}
	}
	if err := tx.Respond(res); err != nil {
		e.logger.Warn("failed to answer re-invite", "call_id", d.callID, "error", err)
		return
	}

	e.logger.Debug("remote re-invite handled", "call_id", d.callID, "holds", offerHolds)
	e.emitMedia(MediaStateEvent{Handle: d.callID, Active: !offerHolds, Slot: slot})
}

// onBye handles a remote hangup.
func (e *SIPEngine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	e.mu.Lock()
	d, ok := e.dialogs[callIDHdr.Value()]
	e.mu.Unlock()
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.logger.Warn("failed to respond to bye", "call_id", d.callID, "error", err)
	}

	e.logger.Info("remote hangup", "call_id", d.callID)
	e.emitMedia(MediaStateEvent{Handle: d.callID, Active: false, Slot: d.slot})
	e.emitCall(CallStateEvent{
		Handle:    d.callID,
		State:     CallStateDisconnected,
		Code:      200,
		RemoteURI: d.remoteURI,
	})
	e.removeDialog(d)
}

// onCancel handles the remote side abandoning a ringing inbound call.
func (e *SIPEngine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callIDHdr := req.CallID()
	if callIDHdr == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}

	e.mu.Lock()
	d, ok := e.dialogs[callIDHdr.Value()]
	var inviteTx sip.ServerTransaction
	var inviteReq *sip.Request
	if ok {
		inviteTx, inviteReq = d.serverTx, d.serverReq
	}
	e.mu.Unlock()

	if !ok || inviteTx == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		e.logger.Warn("failed to respond to cancel", "call_id", d.callID, "error", err)
	}
	if err := inviteTx.Respond(sip.NewResponseFromRequest(inviteReq, 487, "Request Terminated", nil)); err != nil {
		e.logger.Warn("failed to terminate invite", "call_id", d.callID, "error", err)
	}

	e.logger.Info("incoming call canceled by remote", "call_id", d.callID)
	e.emitCall(CallStateEvent{
		Handle:    d.callID,
		State:     CallStateDisconnected,
		Code:      487,
		RemoteURI: d.remoteURI,
	})
	e.removeDialog(d)
}

func (e *SIPEngine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if callID := req.CallID(); callID != nil {
		e.logger.Debug("ack received", "call_id", callID.Value())
	}
}

func (e *SIPEngine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		e.logger.Warn("failed to respond to options", "error", err)
	}
}
