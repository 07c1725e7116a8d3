package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"
)

func TestClassifyAWSError(t *testing.T) {
	kinds := AWSErrorKinds{
		"InsufficientInstanceCapacity": KindCapacity,
		"InvalidAMIID.*":               KindConfig,
	}

	var tests = []struct {
		name string
		err  error
		want Kind
	}{
		{"exact code", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"}, KindCapacity},
		{"prefix code", &smithy.GenericAPIError{Code: "InvalidAMIID.NotFound"}, KindConfig},
		{"unmapped code", &smithy.GenericAPIError{Code: "AuthFailure"}, KindInternal},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"transport", errors.New("dial tcp: connection refused"), KindConnectivity},
		{"already classified", CapacityError("op", "ws-1", "full"), KindCapacity},
	}

	for _, tt := range tests {
		got := ClassifyAWSError("create_workspace", "ws-1", tt.err, kinds)
		if got.Kind != tt.want {
			t.Errorf("%s: expected kind %s, got %s", tt.name, tt.want, got.Kind)
		}
	}

	if ClassifyAWSError("op", "ws-1", nil, kinds) != nil {
		t.Errorf("a nil error should classify to nil")
	}
	if AWSErrorCode(&smithy.GenericAPIError{Code: "Throttling"}) != "Throttling" {
		t.Errorf("unexpected error code")
	}
}

func TestClassifyAWSErrorLongestPrefixWins(t *testing.T) {
	kinds := AWSErrorKinds{
		"Invalid*":              KindInternal,
		"InvalidParameter*":     KindConfig,
		"InvalidParameterValue": KindLimit,
	}

	var tests = []struct {
		code string
		want Kind
	}{
		{"InvalidParameterValue", KindLimit},
		{"InvalidParameterCombination", KindConfig},
		{"InvalidGroup.NotFound", KindInternal},
	}

	// Map iteration order varies between runs, so repeat each lookup.
	for i := 0; i < 50; i++ {
		for _, tt := range tests {
			got := ClassifyAWSError("op", "ws-1", &smithy.GenericAPIError{Code: tt.code}, kinds)
			if got.Kind != tt.want {
				t.Fatalf("%s: expected kind %s, got %s", tt.code, tt.want, got.Kind)
			}
		}
	}
}
