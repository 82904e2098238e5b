package session

import (
	"errors"
	"testing"
)

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("AG8001: Invalid Token"), true},
		{errors.New("ab8050 refresh failed"), true},
		{errors.New("TokenException occurred"), true},
		{errors.New("Your session expired, please login"), true},
		{errors.New("Unauthorized"), true},
		{errors.New("connection refused"), false},
		{errors.New("insufficient funds"), false},
		{errors.New("order rejected: price out of band"), false},
	}
	for _, c := range cases {
		if got := IsAuthFailure(c.err); got != c.want {
			t.Errorf("IsAuthFailure(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsAuthResponse(t *testing.T) {
	if !IsAuthResponse("AG8002", "") {
		t.Error("AG8002 code must classify as auth failure")
	}
	if !IsAuthResponse("", "Invalid Token") {
		t.Error("invalid token message must classify as auth failure")
	}
	if IsAuthResponse("AB1004", "Something went wrong") {
		t.Error("generic error must not classify as auth failure")
	}
}
