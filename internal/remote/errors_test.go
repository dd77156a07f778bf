package remote

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.PermissionDenied, ErrPermissionDenied},
		{codes.Unauthenticated, ErrPermissionDenied},
		{codes.NotFound, ErrNotFound},
		{codes.Unavailable, ErrTransport},
		{codes.DeadlineExceeded, ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := classifyStatus("read", "companies/x", status.Error(tt.code, "boom"))
			if !errors.Is(err, tt.want) {
				t.Errorf("classifyStatus(%v) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	err := fmt.Errorf("subscription failed: %w", &Error{Op: "subscribe", Path: "companies", Kind: KindPermissionDenied, Err: errors.New("rules")})

	if !IsPermissionDenied(err) {
		t.Error("Wrapped permission error should match ErrPermissionDenied")
	}
	if errors.Is(err, ErrTransport) {
		t.Error("Permission error must not match ErrTransport")
	}

	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Path != "companies" {
		t.Errorf("errors.As failed: %v", err)
	}
}
