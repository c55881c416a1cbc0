package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod   = 30
	totpSkew     = 1
	totpDigits   = otp.DigitsSix
	totpSetupTTL = 5 * time.Minute
	qrCodeSize   = 200
)

// enrollment is a freshly generated TOTP secret and the ways of handing it
// to an authenticator app.
type enrollment struct {
	Secret     string
	OTPAuthURL string
	QRCode     string // PNG data URL
}

func (a *API) newEnrollment(accountName string) (enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.cfg.Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return enrollment{}, fmt.Errorf("generating totp secret: %w", err)
	}
	qr, err := qrDataURL(key)
	if err != nil {
		return enrollment{}, err
	}
	return enrollment{Secret: key.Secret(), OTPAuthURL: key.URL(), QRCode: qr}, nil
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", fmt.Errorf("rendering qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encoding qr code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func normalizeTOTPCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}

// verifyTOTP checks code against secret at the API clock, allowing one
// period of drift either way.
func (a *API) verifyTOTP(secret, code string) bool {
	ok, err := totp.ValidateCustom(normalizeTOTPCode(code), secret, a.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
