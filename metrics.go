// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package endpoint

import "expvar"

// connMetrics record connection activity counters.
type connMetrics struct {
	msgRecv       expvar.Int
	msgSent       expvar.Int
	msgDropped    expvar.Int // received but discarded
	callOut       expvar.Int // number of calls submitted
	callOutErr    expvar.Int // number of calls resolved with an error
	callPending   expvar.Int // gauge of calls registered and awaiting a reply
	callTimeout   expvar.Int // number of calls resolved by their timer
	callAborted   expvar.Int // number of calls resolved by shutdown
	replyOrphan   expvar.Int // replies with no matching pending call
	callbackPanic expvar.Int // hooks and callbacks that panicked

	emap *expvar.Map
}

var rootMetrics = newConnMetrics()

func newConnMetrics() *connMetrics {
	cm := &connMetrics{emap: new(expvar.Map)}
	cm.emap.Set("messages_received", &cm.msgRecv)
	cm.emap.Set("messages_sent", &cm.msgSent)
	cm.emap.Set("messages_dropped", &cm.msgDropped)
	cm.emap.Set("calls_out", &cm.callOut)
	cm.emap.Set("calls_out_failed", &cm.callOutErr)
	cm.emap.Set("calls_pending", &cm.callPending)
	cm.emap.Set("calls_timed_out", &cm.callTimeout)
	cm.emap.Set("calls_aborted", &cm.callAborted)
	cm.emap.Set("replies_unmatched", &cm.replyOrphan)
	cm.emap.Set("callback_panics", &cm.callbackPanic)
	return cm
}
