package api

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestNewEnrollment(t *testing.T) {
	a := newTestAPI(t)
	e, err := a.newEnrollment("ada@example.com")
	require.NoError(t, err)

	assert.NotEmpty(t, e.Secret)
	assert.True(t, strings.HasPrefix(e.QRCode, "data:image/png;base64,"))

	u, err := url.Parse(e.OTPAuthURL)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	assert.Equal(t, DefaultIssuer, u.Query().Get("issuer"))
	assert.Equal(t, e.Secret, u.Query().Get("secret"))
}

func TestVerifyTOTP(t *testing.T) {
	clock := newFakeClock()
	a := newTestAPI(t, WithClock(clock.now))
	e, err := a.newEnrollment("ada@example.com")
	require.NoError(t, err)

	now := clock.now()
	tests := []struct {
		name string
		code string
		want bool
	}{
		{"current", codeAt(t, e.Secret, now), true},
		{"spaced", " " + codeAt(t, e.Secret, now)[:3] + " " + codeAt(t, e.Secret, now)[3:], true},
		{"previous period", codeAt(t, e.Secret, now.Add(-totpPeriod*time.Second)), true},
		{"next period", codeAt(t, e.Secret, now.Add(totpPeriod*time.Second)), true},
		{"too old", codeAt(t, e.Secret, now.Add(-3*totpPeriod*time.Second)), false},
		{"garbage", "abcdef", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.verifyTOTP(e.Secret, tt.code))
		})
	}
}
