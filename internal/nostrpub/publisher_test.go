package nostrpub

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitOpensAtThreshold(t *testing.T) {
	cb := &relayCircuit{}

	assert.False(t, cb.recordFailure())
	assert.False(t, cb.recordFailure())
	assert.False(t, cb.isOpen())

	// Third consecutive failure opens the circuit.
	assert.True(t, cb.recordFailure())
	assert.True(t, cb.isOpen())

	// Further failures don't re-report the opening.
	assert.False(t, cb.recordFailure())
}

func TestCircuitHalfOpenAfterCooldown(t *testing.T) {
	cb := &relayCircuit{}
	for i := 0; i < cbThreshold; i++ {
		cb.recordFailure()
	}
	assert.True(t, cb.isOpen())

	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-cbCooldown - time.Second)
	cb.mu.Unlock()

	assert.False(t, cb.isOpen())
}

func TestCircuitSuccessResets(t *testing.T) {
	cb := &relayCircuit{}
	for i := 0; i < cbThreshold; i++ {
		cb.recordFailure()
	}
	assert.True(t, cb.recordSuccess())
	assert.False(t, cb.isOpen())
	assert.False(t, cb.recordSuccess())
}

func TestIsPolicyRejection(t *testing.T) {
	assert.True(t, isPolicyRejection(errors.New("msg: blocked: spam")))
	assert.True(t, isPolicyRejection(errors.New("msg: invalid: bad event")))
	assert.False(t, isPolicyRejection(errors.New("connection refused")))
	assert.False(t, isPolicyRejection(nil))
}

func TestGetCircuitLazy(t *testing.T) {
	p := NewPublisher()
	cb1 := p.getCircuit("wss://a")
	cb2 := p.getCircuit("wss://a")
	assert.Same(t, cb1, cb2)
	assert.NotSame(t, cb1, p.getCircuit("wss://b"))
}
