// Package qr prints pairing links as terminal QR codes.
package qr

import (
	"fmt"
	"io"
	"net/url"

	"github.com/mdp/qrterminal/v3"
)

func RenderANSI(w io.Writer, data string) error {
	cfg := qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	}
	qrterminal.GenerateWithConfig(data, cfg)
	return nil
}

// PairingURL attaches code to the viewer page so scanning it pre-fills the
// code entry.
func PairingURL(viewerURL, code string) (string, error) {
	u, err := url.Parse(viewerURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("viewer url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RenderPairing prints the code, and when viewerURL is set, the pairing link
// and its QR code.
func RenderPairing(w io.Writer, viewerURL, code string) error {
	if _, err := fmt.Fprintf(w, "pairing code: %s\n", code); err != nil {
		return err
	}
	if viewerURL == "" {
		return nil
	}
	link, err := PairingURL(viewerURL, code)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "open %s\n", link); err != nil {
		return err
	}
	return RenderANSI(w, link)
}
