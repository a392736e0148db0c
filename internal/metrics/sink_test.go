package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus_Codes(t *testing.T) {
	cases := map[string][]int{
		StatusClass2xx:        {200, 204, 299},
		StatusClass3xx:        {304},
		StatusClass4xx:        {400, 403, 404, 420, 499},
		StatusClass5xx:        {500, 502, 503, 504},
		StatusClassOtherError: {100, 302},
	}
	for want, codes := range cases {
		for _, code := range codes {
			if got := ClassifyStatus(code, nil); got != want {
				t.Errorf("ClassifyStatus(%d) = %q, want %q", code, got, want)
			}
		}
	}
}

func TestClassifyStatus_Errors(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, StatusClassTimeout},
		{fmt.Errorf("get /characters/1/wallet/: %w", context.DeadlineExceeded), StatusClassTimeout},
		{errors.New("Client.Timeout exceeded while awaiting headers"), StatusClassTimeout},
		{errors.New("dial tcp 127.0.0.1:443: connect: connection refused"), StatusClassConnectionError},
		{errors.New("lookup esi.evetech.net: no such host"), StatusClassConnectionError},
		{errors.New("unexpected EOF"), StatusClassOtherError},
	}
	for _, tt := range tests {
		// The status code is ignored once an error is present.
		if got := ClassifyStatus(200, tt.err); got != tt.want {
			t.Errorf("ClassifyStatus(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
