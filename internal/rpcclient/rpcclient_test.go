package rpcclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassOf_RoundTrips(t *testing.T) {
	err := Classify(KindRateLimited, errors.New("429"))
	assert.Equal(t, KindRateLimited, ClassOf(err))
}

func TestClassOf_UnrecognizedErrorIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, ClassOf(errors.New("boom")))
}

func TestClassOf_NilIsOK(t *testing.T) {
	assert.Equal(t, KindOK, ClassOf(nil))
}

func TestRetryableAndBackoff(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindFatal.Retryable())

	assert.True(t, KindRateLimited.TriggersBackoff())
	assert.False(t, KindSkipped.TriggersBackoff())
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := errors.New("underlying")
	ce := Classify(KindTransient, base)
	assert.True(t, errors.Is(ce, base))
}
