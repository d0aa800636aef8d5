package whatsapp

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mdp/qrterminal/v3"
)

// WriteQR renders one pairing code to w, as a half-block QR code or as the raw code.
func WriteQR(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// QRPresenter returns the supervisor callback that shows pairing codes. Codes go to
// stdout unless a QR output path is configured, in which case each code replaces the file.
func QRPresenter(opts Opts) func(code string) {
	return func(code string) {
		if opts.QRPath == "" {
			WriteQR(os.Stdout, code, opts.NumericCode)
			return
		}
		f, err := os.Create(opts.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err, "path", opts.QRPath)
			return
		}
		defer f.Close()
		WriteQR(f, code, opts.NumericCode)
		slog.Info("WhatsApp pairing code written", "path", opts.QRPath)
	}
}
