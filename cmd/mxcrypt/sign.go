package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type signCommand struct{}

// Execute reads a JSON object from stdin, signs its canonical form and
// prints the object with this device's signature merged in.
func (cmd *signCommand) Execute(args []string) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	sig, err := m.OlmDevice().SignJSON(obj)
	if err != nil {
		return err
	}

	signatures, _ := obj["signatures"].(map[string]any)
	if signatures == nil {
		signatures = map[string]any{}
	}
	userSigs, _ := signatures[m.UserID()].(map[string]any)
	if userSigs == nil {
		userSigs = map[string]any{}
	}
	userSigs["ed25519:"+m.DeviceID()] = sig
	signatures[m.UserID()] = userSigs
	obj["signatures"] = signatures

	return printJSON(obj)
}

type verifyCommand struct {
	Args struct {
		Key       string `positional-arg-name:"ed25519-key" required:"true" description:"Signer's base64 ed25519 key"`
		Signature string `positional-arg-name:"signature" required:"true" description:"Base64 signature to check"`
	} `positional-args:"yes"`
}

// Execute reads a JSON object from stdin and checks the signature over
// its canonical form.
func (cmd *verifyCommand) Execute(args []string) error {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.OlmDevice().VerifySignature(cmd.Args.Key, obj, cmd.Args.Signature); err != nil {
		return fmt.Errorf("signature INVALID: %w", err)
	}
	fmt.Println("Signature valid.")
	return nil
}
