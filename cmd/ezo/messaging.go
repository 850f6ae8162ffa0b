package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"

	ezo "github.com/ezoterikus/ezo-go"
	"github.com/ezoterikus/ezo-go/internal/wire"
)

type cardCommand struct {
	QR bool `long:"qr" description:"Also print the card as a QR code"`
	V1 bool `long:"v1" description:"Print the sealed-box-only card without a prekey bundle"`
}

func (cmd *cardCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	var card any = c.CardV1()
	if !cmd.V1 {
		v3, err := c.Card()
		if err != nil {
			return err
		}
		card = v3
	}
	raw, err := json.Marshal(card)
	if err != nil {
		return err
	}
	if cmd.QR {
		qrterminal.GenerateWithConfig(string(raw), qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
		})
		fmt.Println()
	}
	fmt.Println(string(raw))
	return nil
}

type addFriendCommand struct {
	Args struct {
		Card string `positional-arg-name:"card" required:"true" description:"Card file (- for stdin)"`
	} `positional-args:"true" required:"true"`
}

func (cmd *addFriendCommand) Execute(args []string) error {
	raw, err := readInput(cmd.Args.Card)
	if err != nil {
		return err
	}
	c := loadClient(context.Background())
	defer c.Close()

	fr, err := c.AddFriend(raw)
	if err != nil {
		return err
	}
	fmt.Printf("Added %s (%s)\n", fr.Name, fr.ID)
	return nil
}

type friendsCommand struct{}

func (cmd *friendsCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	friends, err := c.Friends()
	for _, fr := range friends {
		var flags string
		if fr.Mutual {
			flags += " mutual"
		} else if fr.Ack {
			flags += " ack"
		}
		if fr.CardV3 != nil {
			flags += " dr"
		}
		fmt.Printf("%s  %s%s\n", fr.ID, fr.Name, flags)
	}
	return err
}

type pendingCommand struct {
	Accept  string `long:"accept" value-name:"ID" description:"Add the sender of a pending card as a friend"`
	Discard string `long:"discard" value-name:"ID" description:"Drop a pending card"`
}

func (cmd *pendingCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	switch {
	case cmd.Accept != "":
		fr, err := c.AcceptPending(cmd.Accept)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", fr.Name, fr.ID)
		return nil
	case cmd.Discard != "":
		return c.DiscardPending(cmd.Discard)
	}

	cards, err := c.PendingCards()
	ids := make([]string, 0, len(cards))
	for id := range cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%s  %s  %s\n", id, cards[id].Name, cards[id].Bio)
	}
	return err
}

type sendCommand struct {
	Args struct {
		Friend  string `positional-arg-name:"friend" required:"true" description:"Friend id"`
		Message string `positional-arg-name:"message" required:"true" description:"Text message to send"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.SendText(ctx, cmd.Args.Friend, cmd.Args.Message); err != nil {
		return err
	}
	fmt.Printf("Message sent to %s\n", cmd.Args.Friend)
	return nil
}

type sendFileCommand struct {
	Mime string `long:"mime" description:"MIME type (guessed from the extension if empty)"`
	Args struct {
		Friend string `positional-arg-name:"friend" required:"true" description:"Friend id"`
		File   string `positional-arg-name:"file" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *sendFileCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	data, err := os.ReadFile(cmd.Args.File)
	if err != nil {
		return err
	}
	name := filepath.Base(cmd.Args.File)
	mt := cmd.Mime
	if mt == "" {
		mt = mime.TypeByExtension(filepath.Ext(name))
	}

	c := loadClient(ctx)
	defer c.Close()

	if err := c.SendFile(ctx, cmd.Args.Friend, name, mt, data); err != nil {
		return err
	}
	fmt.Printf("Sent %s to %s\n", name, cmd.Args.Friend)
	return nil
}

type pollCommand struct {
	Watch bool `short:"w" long:"watch" description:"Keep polling at the interval from the profile settings"`
}

func (cmd *pollCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	interval := time.Duration(c.Me().Settings.PollMs) * time.Millisecond
	for {
		events, err := c.Poll(ctx)
		for _, ev := range events {
			printEvent(ev)
		}
		if err != nil {
			if !cmd.Watch {
				return err
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if !cmd.Watch {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func printEvent(ev *ezo.Event) {
	ts := time.UnixMilli(ev.TS).Format("2006-01-02 15:04:05")
	switch ev.Kind {
	case wire.KindText, wire.KindFile:
		fmt.Printf("[%s] %s: %s\n", ts, ev.ChatID, ev.Text)
	case wire.KindGroupMessage:
		fmt.Printf("[%s] %s <%s>: %s\n", ts, ev.ChatID, ev.From, ev.Text)
	case wire.KindGroupInvite:
		fmt.Printf("Invite to group %s (%s) from %s; accept with: ezo group invites --accept %s\n", ev.Group.Name, ev.Group.ID, ev.From, ev.Group.ID)
	case wire.KindFriendCard:
		fmt.Printf("Friend card from %s (%s); accept with: ezo pending --accept %s\n", ev.Card.Name, ev.Card.ID, ev.Card.ID)
	case wire.KindHandshake:
		fmt.Printf("%s acknowledged you\n", ev.From)
	}
}

type chatCommand struct {
	Args struct {
		Chat string `positional-arg-name:"chat" description:"Friend id, g:<group id> or unk:<inbox>; lists chats if empty"`
	} `positional-args:"true"`
}

func (cmd *chatCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	if cmd.Args.Chat == "" {
		ids, err := c.ChatIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	history, err := c.Chat(cmd.Args.Chat)
	if err != nil {
		return err
	}
	for _, m := range history {
		who := "<"
		if m.Me {
			who = ">"
		}
		if m.From != "" && !m.Me {
			who = "<" + m.From + ">"
		}
		fmt.Printf("[%s] %s %s\n", time.UnixMilli(m.TS).Format("2006-01-02 15:04:05"), who, m.Text)
	}
	return nil
}
