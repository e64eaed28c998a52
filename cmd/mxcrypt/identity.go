package main

import (
	"fmt"
	"log"
	"os"

	matrix "github.com/svanholm/matrix-go"
)

func openMachine() (*matrix.Machine, error) {
	machineOpts := []matrix.Option{matrix.WithDBPath(opts.DB)}
	if opts.Verbose {
		machineOpts = append(machineOpts, matrix.WithLogger(log.New(os.Stderr, "mxcrypt: ", log.LstdFlags)))
	}
	return matrix.NewMachine(opts.User, machineOpts...)
}

type identityCommand struct {
	JSON bool `long:"json" description:"Print the signed device keys object instead"`
}

func (cmd *identityCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	if cmd.JSON {
		keys, err := m.DeviceKeys()
		if err != nil {
			return err
		}
		return printJSON(keys)
	}

	curve, ed := m.IdentityKeys()
	fmt.Printf("User:        %s\n", m.UserID())
	fmt.Printf("Device:      %s\n", m.DeviceID())
	fmt.Printf("Curve25519:  %s\n", curve)
	fmt.Printf("Ed25519:     %s\n", ed)
	return nil
}

type devicesCommand struct {
	Args struct {
		UserID string `positional-arg-name:"user-id" required:"true" description:"User whose devices to list"`
	} `positional-args:"yes"`
}

func (cmd *devicesCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	devices, err := m.Directory().ListUserDevices(cmd.Args.UserID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No known devices.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%s  curve25519=%s  ed25519=%s  [%s]\n",
			d.DeviceID, d.Curve25519Key, d.Ed25519Key, d.Verification)
	}
	return nil
}
