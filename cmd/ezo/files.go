package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

type getCommand struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"true" description:"Vault path, e.g. profile/name"`
	} `positional-args:"true" required:"true"`
}

func (cmd *getCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	data, err := c.ReadFile(cmd.Args.Path)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

type putCommand struct {
	Args struct {
		Path string `positional-arg-name:"path" required:"true" description:"Vault path"`
		File string `positional-arg-name:"file" required:"true" description:"Input file (- for stdin)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *putCommand) Execute(args []string) error {
	data, err := readInput(cmd.Args.File)
	if err != nil {
		return err
	}
	c := loadClient(context.Background())
	defer c.Close()

	if err := c.WriteFile(cmd.Args.Path, data); err != nil {
		return err
	}
	fmt.Printf("Stored %s (%d bytes)\n", cmd.Args.Path, len(data))
	return nil
}

type lsCommand struct {
	Args struct {
		Prefix string `positional-arg-name:"prefix" description:"Only list paths with this prefix"`
	} `positional-args:"true"`
}

func (cmd *lsCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	paths, err := c.ListFiles(cmd.Args.Prefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

// readInput reads a file, or stdin for "-". Stdin input needs the
// password from $EZO_PASSWORD.
func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}
