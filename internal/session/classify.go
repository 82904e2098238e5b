package session

import "strings"

// Broker error codes that indicate an expired or invalid session token.
// AG8001/AG8002 are invalid/expired token, AB8050/AB8051 are invalid refresh.
var authErrorCodes = []string{"AG8001", "AG8002", "AB8050", "AB8051"}

// Error-text fragments that indicate an authentication failure.
var authErrorKeywords = []string{
	"tokenexception",
	"token expired",
	"invalid token",
	"unauthorized",
	"invalid credentials",
	"session expired",
}

// IsAuthFailure classifies an error as an authentication failure. It is a
// pure string classification with no side effects; transport errors and
// business rejections do not match.
func IsAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	return isAuthText(err.Error())
}

// IsAuthResponse classifies a broker API response body (error code and
// message fields) as an authentication failure.
func IsAuthResponse(errorCode, message string) bool {
	for _, code := range authErrorCodes {
		if strings.EqualFold(errorCode, code) {
			return true
		}
	}
	return isAuthText(message)
}

func isAuthText(s string) bool {
	lower := strings.ToLower(s)
	for _, code := range authErrorCodes {
		if strings.Contains(lower, strings.ToLower(code)) {
			return true
		}
	}
	for _, kw := range authErrorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
