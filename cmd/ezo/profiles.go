package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/davecgh/go-spew/spew"

	ezo "github.com/ezoterikus/ezo-go"
	"github.com/ezoterikus/ezo-go/internal/vault"
)

type createCommand struct {
	Args struct {
		Handle string `positional-arg-name:"handle" required:"true" description:"Name of the new profile"`
	} `positional-args:"true" required:"true"`
}

func (cmd *createCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	password, err := newPassword(fmt.Sprintf("New password for %s: ", cmd.Args.Handle))
	if err != nil {
		return err
	}
	c, err := ezo.Create(ctx, cmd.Args.Handle, password, clientOpts()...)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("Created profile %s\n", c.Handle())
	fmt.Printf("Inbox:       %s\n", c.Me().InboxID)
	fmt.Printf("Fingerprint: %s\n", c.Fingerprint())
	return nil
}

// withManager runs fn with a vault manager over the configured storage.
func withManager(fn func(m *vault.Manager) error) error {
	m, backend, err := ezo.Manager(clientOpts()...)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(m)
}

type listCommand struct{}

func (cmd *listCommand) Execute(args []string) error {
	return withManager(func(m *vault.Manager) error {
		handles, err := m.List()
		if err != nil {
			return err
		}
		for _, h := range handles {
			fmt.Println(h)
		}
		return nil
	})
}

type removeCommand struct {
	Yes  bool `short:"y" long:"yes" description:"Do not ask for confirmation"`
	Args struct {
		Handle string `positional-arg-name:"handle" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *removeCommand) Execute(args []string) error {
	if !cmd.Yes {
		fmt.Fprintf(os.Stderr, "Delete profile %s and all its messages? Type the handle to confirm: ", cmd.Args.Handle)
		line, _ := stdin.ReadString('\n')
		if strings.TrimSpace(line) != cmd.Args.Handle {
			return errors.New("aborted")
		}
	}
	return withManager(func(m *vault.Manager) error {
		if err := m.Remove(cmd.Args.Handle); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", cmd.Args.Handle)
		return nil
	})
}

type exportCommand struct {
	Args struct {
		Handle string `positional-arg-name:"handle" required:"true"`
		File   string `positional-arg-name:"file" required:"true" description:"Output file"`
	} `positional-args:"true" required:"true"`
}

func (cmd *exportCommand) Execute(args []string) error {
	return withManager(func(m *vault.Manager) error {
		raw, err := m.Export(cmd.Args.Handle)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cmd.Args.File, raw, 0o600); err != nil {
			return err
		}
		fmt.Printf("Exported %s to %s (%d bytes)\n", cmd.Args.Handle, cmd.Args.File, len(raw))
		return nil
	})
}

type importCommand struct {
	Args struct {
		File string `positional-arg-name:"file" required:"true" description:"Archive written by export"`
	} `positional-args:"true" required:"true"`
}

func (cmd *importCommand) Execute(args []string) error {
	raw, err := os.ReadFile(cmd.Args.File)
	if err != nil {
		return err
	}
	return withManager(func(m *vault.Manager) error {
		h, err := m.Import(raw)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s\n", h)
		return nil
	})
}

type inspectCommand struct {
	Args struct {
		Handle string `positional-arg-name:"handle" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *inspectCommand) Execute(args []string) error {
	return withManager(func(m *vault.Manager) error {
		info, err := m.Inspect(cmd.Args.Handle)
		if err != nil {
			return err
		}
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableMethods: true}
		cfg.Fdump(os.Stdout, info)
		return nil
	})
}

type passwdCommand struct{}

func (cmd *passwdCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	h := handle()
	old, err := readPassword(fmt.Sprintf("Current password for %s: ", h))
	if err != nil {
		return err
	}
	c, err := ezo.Open(ctx, h, old, clientOpts()...)
	if err != nil {
		return err
	}
	defer c.Close()

	password, err := newPassword("New password: ")
	if err != nil {
		return err
	}
	if err := c.ChangePassword(ctx, old, password); err != nil {
		return err
	}
	fmt.Println("Password changed")
	return nil
}
