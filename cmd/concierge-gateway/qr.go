// ABOUTME: Terminal rendering of pairing codes while the gateway awaits a scan
// ABOUTME: Watches the event stream and prints each new code as a half-block QR

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"

	"github.com/2389/concierge-gateway/internal/events"
)

// printPairingCodes prints a QR code for every new pairing code until ctx ends.
func printPairingCodes(ctx context.Context, bus *events.Broadcaster, w io.Writer) {
	sub := bus.Subscribe(ctx)
	defer sub.Close()

	last := ""
	for evt := range sub.C() {
		code := ""
		switch data := evt.Data.(type) {
		case events.PairingCodeData:
			code = data.Code
		case events.StatusData:
			code = data.PairingCode
		case events.ReadyData:
			color.New(color.FgGreen).Fprintf(w, "\n    ✓ Paired as %s\n\n", data.AccountID)
			last = ""
		}
		if code == "" || code == last {
			continue
		}
		last = code
		renderQR(w, code)
	}
}

func renderQR(w io.Writer, code string) {
	fmt.Fprintln(w)
	color.New(color.FgYellow).Fprintln(w, "    Scan with WhatsApp → Settings → Linked devices → Link a device")
	fmt.Fprintln(w)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	fmt.Fprintln(w)
}
