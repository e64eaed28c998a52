package main

import (
	"fmt"
	"os"

	qrterminal "github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

type fingerprintCommand struct {
	NoQR bool `long:"no-qr" description:"Print the fingerprint key only"`
}

// Execute shows the device fingerprint for out-of-band verification,
// as a QR code when stdout is a terminal.
func (cmd *fingerprintCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	_, ed := m.IdentityKeys()
	payload := fmt.Sprintf("%s %s %s", m.UserID(), m.DeviceID(), ed)
	fmt.Printf("Fingerprint (ed25519): %s\n", ed)

	if cmd.NoQR || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	fmt.Println()
	qrterminal.GenerateWithConfig(payload, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
	})
	fmt.Println()
	fmt.Println("Scan from the other device to compare fingerprints.")
	return nil
}
