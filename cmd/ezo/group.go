package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

type groupCommand struct {
	Create  groupCreateCommand  `command:"create" description:"Create a group"`
	List    groupListCommand    `command:"list" description:"List groups"`
	Invite  groupInviteCommand  `command:"invite" description:"Invite a friend to a group"`
	Invites groupInvitesCommand `command:"invites" description:"List, accept or decline received group invites"`
	Send    groupSendCommand    `command:"send" description:"Send a message to a group"`
}

type groupCreateCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *groupCreateCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	g, err := c.CreateGroup(cmd.Args.Name)
	if err != nil {
		return err
	}
	fmt.Printf("Created group %s (%s)\n", g.Name, g.ID)
	return nil
}

type groupListCommand struct{}

func (cmd *groupListCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	groups, err := c.Groups()
	for _, g := range groups {
		fmt.Printf("%s  %s  (%d members)\n", g.ID, g.Name, len(g.Members))
	}
	return err
}

type groupInviteCommand struct {
	Args struct {
		Group  string `positional-arg-name:"group" required:"true" description:"Group id"`
		Friend string `positional-arg-name:"friend" required:"true" description:"Friend id"`
	} `positional-args:"true" required:"true"`
}

func (cmd *groupInviteCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.SendGroupInvite(ctx, cmd.Args.Group, cmd.Args.Friend); err != nil {
		return err
	}
	fmt.Printf("Invited %s\n", cmd.Args.Friend)
	return nil
}

type groupInvitesCommand struct {
	Accept  string `long:"accept" value-name:"GROUP" description:"Join the group of a pending invite"`
	Decline string `long:"decline" value-name:"GROUP" description:"Drop a pending invite"`
}

func (cmd *groupInvitesCommand) Execute(args []string) error {
	c := loadClient(context.Background())
	defer c.Close()

	switch {
	case cmd.Accept != "":
		g, err := c.AcceptInvite(cmd.Accept)
		if err != nil {
			return err
		}
		fmt.Printf("Joined group %s (%s)\n", g.Name, g.ID)
		return nil
	case cmd.Decline != "":
		return c.DeclineInvite(cmd.Decline)
	}

	invites, err := c.PendingInvites()
	for _, inv := range invites {
		fmt.Printf("%s  %s  from %s  (%d members)\n", inv.Group.ID, inv.Group.Name, inv.From, len(inv.Group.Members))
	}
	return err
}

type groupSendCommand struct {
	Args struct {
		Group   string `positional-arg-name:"group" required:"true" description:"Group id"`
		Message string `positional-arg-name:"message" required:"true"`
	} `positional-args:"true" required:"true"`
}

func (cmd *groupSendCommand) Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := loadClient(ctx)
	defer c.Close()

	if err := c.SendGroupText(ctx, cmd.Args.Group, cmd.Args.Message); err != nil {
		return err
	}
	fmt.Println("Message sent")
	return nil
}
