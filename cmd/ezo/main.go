// Command ezo is a CLI for ezo profiles and messaging.
//
// Usage:
//
//	ezo create <handle>           Create a password-protected profile
//	ezo card --qr                 Print your friend card
//	ezo add-friend <card.json>    Add a friend from their card
//	ezo send <friend> <msg>       Send a text message
//	ezo poll                      Fetch and print incoming messages
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	flags "github.com/jessevdk/go-flags"

	ezo "github.com/ezoterikus/ezo-go"
)

type globalOpts struct {
	DB      string   `long:"db" description:"Storage location (SQLite path, dir:<path> or mem:)"`
	Config  string   `short:"c" long:"config" description:"Configuration file" default:"~/.ezo/ezo.conf"`
	Profile string   `short:"p" long:"profile" description:"Profile handle to use"`
	Relays  []string `short:"r" long:"relay" description:"Relay WebSocket URL (repeatable)"`
	Verbose bool     `short:"v" long:"verbose" description:"Enable verbose logging"`

	Create    createCommand    `command:"create" description:"Create a new profile"`
	List      listCommand      `command:"list" description:"List profiles"`
	Remove    removeCommand    `command:"rm" description:"Delete a profile"`
	Export    exportCommand    `command:"export" description:"Write a profile's sealed archive to a file"`
	Import    importCommand    `command:"import" description:"Import a sealed archive"`
	Inspect   inspectCommand   `command:"inspect" description:"Show non-secret metadata of a profile archive"`
	Passwd    passwdCommand    `command:"passwd" description:"Change a profile's password"`
	Get       getCommand       `command:"get" description:"Print a file stored in the profile"`
	Put       putCommand       `command:"put" description:"Store a file in the profile"`
	Ls        lsCommand        `command:"ls" description:"List files stored in the profile"`
	Card      cardCommand      `command:"card" description:"Print your friend card"`
	AddFriend addFriendCommand `command:"add-friend" description:"Add a friend from a card file (- for stdin)"`
	Friends   friendsCommand   `command:"friends" description:"List friends"`
	Pending   pendingCommand   `command:"pending" description:"List, accept or discard received friend cards"`
	Send      sendCommand      `command:"send" description:"Send a text message"`
	SendFile  sendFileCommand  `command:"send-file" description:"Send a file"`
	Poll      pollCommand      `command:"poll" description:"Fetch and print incoming messages"`
	Chat      chatCommand      `command:"chat" description:"Print chat history"`
	Group     groupCommand     `command:"group" description:"Create groups, invite friends and send group messages"`
}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if err == nil {
		return
	}
	var flagsErr *flags.Error
	if errors.As(err, &flagsErr) {
		if flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fatal(err)
}

func clientOpts() []ezo.Option {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		fatal(err)
	}

	var copts []ezo.Option
	db := opts.DB
	if db == "" {
		db = cfg.DB
	}
	if db != "" {
		copts = append(copts, ezo.WithDBPath(db))
	}
	for _, u := range append(cfg.Relays, opts.Relays...) {
		copts = append(copts, ezo.WithRelayURL(u))
	}
	if opts.Verbose {
		copts = append(copts, ezo.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	}
	if opts.Profile == "" {
		opts.Profile = cfg.Profile
	}
	return copts
}

// handle returns the selected profile, from --profile, the config file or
// the only existing profile.
func handle() string {
	copts := clientOpts()
	if opts.Profile != "" {
		return opts.Profile
	}
	m, backend, err := ezo.Manager(copts...)
	if err != nil {
		fatal(err)
	}
	defer backend.Close()
	handles, err := m.List()
	if err != nil {
		fatal(err)
	}
	if len(handles) != 1 {
		fatal(fmt.Errorf("%d profiles found, select one with --profile", len(handles)))
	}
	return handles[0]
}

// loadClient unlocks the selected profile or exits.
func loadClient(ctx context.Context) *ezo.Client {
	h := handle()
	password, err := readPassword(fmt.Sprintf("Password for %s: ", h))
	if err != nil {
		fatal(err)
	}
	c, err := ezo.Open(ctx, h, password, clientOpts()...)
	if err != nil {
		fatal(err)
	}
	return c
}

// fatal prints err in user terms and exits. Unclassified errors and
// verbose runs show the full error chain.
func fatal(err error) {
	msg := ezo.FriendlyError(err)
	if opts.Verbose || msg == "unexpected error" {
		msg = err.Error()
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}
