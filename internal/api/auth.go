package api

import (
	"net/http"

	"github.com/pquerna/otp/totp"
)

// OTPHeader carries the current TOTP code. Browsers cannot set headers on
// a websocket handshake, so the "otp" query parameter is accepted too.
const OTPHeader = "X-OTP"

// RequireTOTP rejects requests without a valid code for secret. An empty
// secret disables the check.
func RequireTOTP(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.Header.Get(OTPHeader)
		if code == "" {
			code = r.URL.Query().Get("otp")
		}
		if code == "" || !totp.Validate(code, secret) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid or missing one-time code"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
