// popsync
// Copyright 2025 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"src.bluestatic.org/popsync/pkg/mailmsg"
	"src.bluestatic.org/popsync/pkg/receivedmail"
	"src.bluestatic.org/popsync/pkg/receiver"
	"src.bluestatic.org/popsync/pkg/unseen"
	"src.bluestatic.org/popsync/pkg/version"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "popsync: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// env is the state shared by the commands that talk to the server.
type env struct {
	cfg  *Config
	log  *zap.Logger
	recv *receiver.Receiver
}

func (e *env) openStore(ctx context.Context) (*receivedmail.Store, error) {
	return receivedmail.Open(ctx, e.cfg.Database, e.log)
}

func newLogger(cfg *Config) (*zap.Logger, error) {
	level, err := cfg.logLevel()
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Development = false
	logConfig.DisableStacktrace = true
	logConfig.Level.SetLevel(level)
	return logConfig.Build()
}

func setup(c *cli.Context) (*env, error) {
	if err := loadEnvFile(c.String("env-file")); err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	cfg, err := LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config: %w", err)
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return &env{
		cfg:  cfg,
		log:  log,
		recv: receiver.New(cfg.Server, log),
	}, nil
}

func withEnv(fn func(*cli.Context, *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.log.Sync()
		return fn(c, e)
	}
}

var (
	numberFlag = &cli.IntFlag{
		Name:     "number",
		Aliases:  []string{"n"},
		Usage:    "message number, starting at 1",
		Required: true,
	}
	outFlag = &cli.StringFlag{
		Name:     "out",
		Aliases:  []string{"o"},
		Usage:    "output file",
		Required: true,
	}
	seenFlag = &cli.StringSliceFlag{
		Name:  "seen",
		Usage: "UID that has already been seen (repeatable)",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "popsync",
		Usage:   "download unseen POP3 messages into a local store",
		Version: version.Number,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				Value:   "popsync.yaml",
				EnvVars: []string{"POPSYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the config; missing is fine",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprint(c.App.Writer, version.VersionString)
					return nil
				},
			},
			{
				Name:   "test",
				Usage:  "log in to the server and disconnect",
				Action: withEnv(doTest),
			},
			{
				Name:   "fetch-all",
				Usage:  "download every message, newest first",
				Action: withEnv(doFetchAll),
			},
			{
				Name:   "fetch-unseen",
				Usage:  "download messages whose UID was not given with --seen",
				Flags:  []cli.Flag{seenFlag},
				Action: withEnv(doFetchUnseen(false)),
			},
			{
				Name:   "peek-unseen",
				Usage:  "like fetch-unseen, without updating the seen set",
				Flags:  []cli.Flag{seenFlag},
				Action: withEnv(doFetchUnseen(true)),
			},
			{
				Name:   "receive",
				Usage:  "store unseen messages in the database",
				Action: withEnv(doReceive),
			},
			{
				Name:   "list",
				Usage:  "list the messages in the database",
				Action: withEnv(doList),
			},
			{
				Name:   "delete",
				Usage:  "delete a message from the server",
				Flags:  []cli.Flag{numberFlag},
				Action: withEnv(doDelete),
			},
			{
				Name:      "delete-by-message-id",
				Usage:     "delete the newest message with the given Message-ID",
				ArgsUsage: "<message-id>",
				Action:    withEnv(doDeleteByMessageID),
			},
			{
				Name:  "extract",
				Usage: "write the plain text, HTML or XML part of a message to a file",
				Flags: []cli.Flag{
					numberFlag,
					outFlag,
					&cli.StringFlag{
						Name:  "type",
						Usage: "plain, html or xml",
						Value: "plain",
					},
				},
				Action: withEnv(doExtract),
			},
			{
				Name:   "save",
				Usage:  "save a raw message to a file and load it back",
				Flags:  []cli.Flag{numberFlag, outFlag},
				Action: withEnv(doSave),
			},
			{
				Name:  "attachments",
				Usage: "save the attachments of a message if its sender and subject match",
				Flags: []cli.Flag{
					numberFlag,
					&cli.StringFlag{Name: "from", Usage: "required sender address"},
					&cli.StringFlag{Name: "subject", Usage: "required subject"},
					&cli.StringFlag{Name: "name", Usage: "only save the attachment with this filename"},
					&cli.StringFlag{Name: "dir", Usage: "output directory", Value: "."},
				},
				Action: withEnv(doAttachments),
			},
			{
				Name:   "export-mbox",
				Usage:  "write every message on the server to an mbox file",
				Flags:  []cli.Flag{outFlag},
				Action: withEnv(doExportMbox),
			},
			{
				Name:      "read-mbox",
				Usage:     "list the messages in an mbox file",
				ArgsUsage: "<path>",
				Action:    doReadMbox,
			},
			{
				Name:   "monitor",
				Usage:  "poll the server and forward new messages",
				Action: withEnv(doMonitor),
			},
		},
	}
}

func doTest(c *cli.Context, e *env) error {
	if err := e.recv.TestConnect(c.Context); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "OK")
	return nil
}

func printMessage(c *cli.Context, label string, m *mailmsg.Message) {
	fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n", label, m.MessageID, m.FromAddress(), m.Subject)
}

func doFetchAll(c *cli.Context, e *env) error {
	msgs, err := e.recv.FetchAll(c.Context)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		printMessage(c, fmt.Sprintf("%d %s", m.Number, m.UID), m.Message)
	}
	return nil
}

func doFetchUnseen(peek bool) func(*cli.Context, *env) error {
	return func(c *cli.Context, e *env) error {
		seen := unseen.NewSeenSet(c.StringSlice("seen")...)
		fetch := e.recv.FetchUnseen
		if peek {
			fetch = e.recv.PeekUnseen
		}
		msgs, err := fetch(c.Context, seen)
		for _, m := range msgs {
			printMessage(c, m.UID, m.Message)
		}
		if err != nil {
			return err
		}
		e.log.Info("Seen set", zap.Strings("uids", seen.UIDs()))
		return nil
	}
}

func doReceive(c *cli.Context, e *env) error {
	store, err := e.openStore(c.Context)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := e.recv.Receive(c.Context, store)
	fmt.Fprintf(c.App.Writer, "received %d new messages\n", len(msgs))
	return err
}

func doList(c *cli.Context, e *env) error {
	store, err := e.openStore(c.Context)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(c.Context)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.CreatedDate.Format("2006-01-02 15:04:05"), r.UID, r.Status, r.SendBy, r.Title, r.Cc)
	}
	return nil
}

func doDelete(c *cli.Context, e *env) error {
	return e.recv.Delete(c.Context, c.Int("number"))
}

func doDeleteByMessageID(c *cli.Context, e *env) error {
	if c.NArg() != 1 {
		return cli.Exit("delete-by-message-id takes exactly one Message-ID", 2)
	}
	if receiver.NormalizeMessageID(c.Args().First()) == "" {
		return cli.Exit("delete-by-message-id needs a non-empty Message-ID", 2)
	}
	found, err := e.recv.DeleteByMessageID(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	if !found {
		return cli.Exit(fmt.Sprintf("no message with Message-ID %s", c.Args().First()), 3)
	}
	return nil
}

func doExtract(c *cli.Context, e *env) error {
	kind, err := mailmsg.ParsePartKind(c.String("type"))
	if err != nil {
		return err
	}
	msg, err := e.recv.Fetch(c.Context, c.Int("number"))
	if err != nil {
		return err
	}
	return mailmsg.Extract(msg, kind, c.String("out"))
}

func doSave(c *cli.Context, e *env) error {
	msg, err := e.recv.Fetch(c.Context, c.Int("number"))
	if err != nil {
		return err
	}
	path := c.String("out")
	if err := msg.Save(path); err != nil {
		return err
	}
	loaded, err := mailmsg.Load(path)
	if err != nil {
		return fmt.Errorf("Failed to reload %s: %w", path, err)
	}
	printMessage(c, path, loaded)
	return nil
}

func doAttachments(c *cli.Context, e *env) error {
	match := receiver.Match{From: c.String("from"), Subject: c.String("subject")}
	paths, err := e.recv.SaveAttachments(c.Context, c.Int("number"), match, c.String("name"), c.String("dir"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(c.App.Writer, p)
	}
	return nil
}

func doExportMbox(c *cli.Context, e *env) error {
	msgs, err := e.recv.FetchAll(c.Context)
	if err != nil {
		return err
	}
	f, err := os.Create(c.String("out"))
	if err != nil {
		return err
	}
	if err := mailmsg.WriteMbox(f, unseen.Messages(msgs)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func doReadMbox(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("read-mbox takes exactly one path", 2)
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()
	msgs, err := mailmsg.ReadMbox(f)
	if err != nil {
		return err
	}
	for i, m := range msgs {
		printMessage(c, fmt.Sprint(i+1), m)
	}
	return nil
}

func doMonitor(c *cli.Context, e *env) error {
	if err := e.cfg.ValidateMonitor(); err != nil {
		return fmt.Errorf("Invalid config: %w", err)
	}
	ctx := c.Context

	store, err := e.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var auth OAuthServer
	if e.cfg.Monitor.Destination.Type == DestinationGmail {
		clientSecret, err := os.ReadFile(e.cfg.OAuthServer.CredentialsPath)
		if err != nil {
			return fmt.Errorf("Failed to read client secret: %w", err)
		}
		oauthConfig, err := google.ConfigFromJSON(clientSecret, gmail.GmailInsertScope)
		if err != nil {
			return fmt.Errorf("Failed to load API config: %w", err)
		}
		auth = RunOAuthServer(ctx, e.cfg.OAuthServer, oauthConfig, e.log)
	}

	dst, err := NewDestination(e.cfg.Monitor.Destination, auth, e.log)
	if err != nil {
		return err
	}

	e.log.Info("Starting monitor", zap.Duration("interval", e.cfg.Monitor.PollInterval))
	m := NewMonitor(e.cfg.Monitor, e.recv, store, dst, e.log)
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.Done()
	return nil
}
