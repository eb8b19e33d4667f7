package utils

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/engine"
)

func TestRenderStringMergeFields(t *testing.T) {
	data := MergeData{FirstName: "Ada", Company: "Analytical Engines"}

	out, err := renderString("body", "Hi {{.FirstName}} from {{.Company}}", data)
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada from Analytical Engines", out)
}

func TestRenderStringBadTemplate(t *testing.T) {
	_, err := renderString("body", "Hi {{.FirstName", MergeData{})
	require.Error(t, err)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"network timeout", timeoutError{}, false},
		{"smtp 550", errors.New("550 5.1.1 no such user"), true},
		{"smtp 552", fmt.Errorf("smtp error: 552 mailbox full"), true},
		{"smtp 450", errors.New("450 4.2.1 mailbox busy, try again"), false},
		{"smtp 421", errors.New("421 service not available"), false},
		{"unrecognized", errors.New("relay misbehaved in an unexpected way"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifySendError(tt.err)
			assert.Equal(t, tt.wantPermanent, engine.IsPermanentSendError(classified))
			assert.ErrorIs(t, classified, tt.err, "the original cause stays wrapped")
		})
	}
}
