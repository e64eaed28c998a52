package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type keysCommand struct {
	Generate keysGenerateCommand `command:"generate" description:"Generate new one-time keys"`
	List     keysListCommand     `command:"list" description:"List unpublished one-time keys"`
	Publish  keysPublishCommand  `command:"publish" description:"Mark all one-time keys as published"`
}

type keysGenerateCommand struct {
	Args struct {
		Count string `positional-arg-name:"count" description:"Number of keys to generate (default 10)"`
	} `positional-args:"yes"`
}

func (cmd *keysGenerateCommand) Execute(args []string) error {
	n := 10
	if cmd.Args.Count != "" {
		var err error
		if n, err = strconv.Atoi(cmd.Args.Count); err != nil {
			return fmt.Errorf("bad count %q: %w", cmd.Args.Count, err)
		}
	}

	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.OlmDevice().GenerateOneTimeKeys(n); err != nil {
		return err
	}
	fmt.Printf("Generated %d one-time keys (%d unpublished, capacity %d)\n",
		n, len(m.OlmDevice().OneTimeKeys()), m.OlmDevice().MaxNumberOfOneTimeKeys())
	return nil
}

type keysListCommand struct {
	Upload bool `long:"upload" description:"Print the signed upload object instead"`
}

func (cmd *keysListCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	if cmd.Upload {
		upload, err := m.OneTimeKeysForUpload()
		if err != nil {
			return err
		}
		return printJSON(upload)
	}

	keys := m.OlmDevice().OneTimeKeys()
	if len(keys) == 0 {
		fmt.Println("No unpublished one-time keys.")
		return nil
	}
	for id, key := range keys {
		fmt.Printf("%s  %s\n", id, key)
	}
	return nil
}

type keysPublishCommand struct{}

func (cmd *keysPublishCommand) Execute(args []string) error {
	m, err := openMachine()
	if err != nil {
		return err
	}
	defer m.Close()
	return m.OlmDevice().MarkKeysAsPublished()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
