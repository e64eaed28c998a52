// Command mxcrypt is a CLI for inspecting and exercising the device
// crypto store.
//
// Usage:
//
//	mxcrypt identity              Show this device's identity keys
//	mxcrypt keys generate 10      Generate one-time keys
//	mxcrypt sign < event.json     Sign canonical JSON from stdin
package main

import (
	"os"

	flags "github.com/jessevdk/go-flags"
)

type globalOpts struct {
	DB      string `long:"db" description:"Path to database file"`
	User    string `short:"u" long:"user" default:"@local:localhost" description:"User id that owns this device"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable verbose logging"`

	Identity    identityCommand    `command:"identity" description:"Show this device's identity keys and device id"`
	Keys        keysCommand        `command:"keys" description:"Manage the one-time key pool"`
	Sign        signCommand        `command:"sign" description:"Sign a JSON object read from stdin"`
	Verify      verifyCommand      `command:"verify" description:"Verify a signed JSON object read from stdin"`
	Fingerprint fingerprintCommand `command:"fingerprint" description:"Show the device fingerprint as a scannable QR code"`
	Devices     devicesCommand     `command:"devices" description:"List known devices for a user"`
	SelfTest    selftestCommand    `command:"selftest" description:"Round-trip a message between two throwaway devices (debug)"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
