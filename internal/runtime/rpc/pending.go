package rpc

import (
	"sync"
	"time"

	"github.com/drblury/uservice/internal/runtime/ids"
	"github.com/drblury/uservice/internal/runtime/jsoncodec"
	"github.com/drblury/uservice/internal/runtime/topology"
)

// PendingCall is the caller-side record of one outstanding call.
type PendingCall struct {
	CorrelationID string
	ReplyKey      string
	Queue         string
	Target        string
	Method        string
	StartedAt     time.Time

	result      chan reply
	once        sync.Once
	metricsOnce sync.Once
}

type reply struct {
	body jsoncodec.RawMessage
	err  error
}

func newPendingCall(caller, target, method string) *PendingCall {
	key := ids.NewReplyKey()
	return &PendingCall{
		CorrelationID: ids.NewCorrelationID(),
		ReplyKey:      key,
		Queue:         topology.ReplyQueue(caller, key),
		Target:        target,
		Method:        method,
		StartedAt:     time.Now(),
		result:        make(chan reply, 1),
	}
}

// settle stores the call's outcome. Only the first outcome is kept.
func (p *PendingCall) settle(r reply) bool {
	settled := false
	p.once.Do(func() {
		p.result <- r
		settled = true
	})
	return settled
}
