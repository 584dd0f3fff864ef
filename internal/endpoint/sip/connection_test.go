package sip

import (
	"testing"

	"github.com/sebas/tandem/internal/call"
)

func TestReasonFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   call.EndReason
	}{
		{486, call.EndReasonRemoteBusy},
		{600, call.EndReasonRemoteBusy},
		{404, call.EndReasonNoUser},
		{604, call.EndReasonNoUser},
		{408, call.EndReasonNoAnswer},
		{403, call.EndReasonRefusal},
		{603, call.EndReasonRefusal},
		{503, call.EndReasonTemporaryFailure},
		{500, call.EndReasonConnectFail},
		{488, call.EndReasonConnectFail},
	}
	for _, tt := range tests {
		if got := reasonFromStatus(tt.status); got != tt.want {
			t.Errorf("reasonFromStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
