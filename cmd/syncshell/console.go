// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bureau-foundation/syncshell/lib/group"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/syncshell"
)

// errQuit ends the console loop.
var errQuit = errors.New("quit")

// console is the line-oriented operator interface of `syncshell run`.
type console struct {
	node *syncshell.Node
	out  io.Writer
}

type consoleCommand struct {
	usage   string
	summary string
	args    int
	run     func(c *console, ctx context.Context, args []string) error
}

var consoleCommands map[string]consoleCommand

func init() {
	consoleCommands = map[string]consoleCommand{
		"help":     {"help", "list commands", 0, (*console).help},
		"id":       {"id", "print the local peer ID", 0, (*console).id},
		"create":   {"create <name> <secret>", "create or rejoin the group derived from name and secret", 2, (*console).create},
		"groups":   {"groups", "list joined groups", 0, (*console).groups},
		"invite":   {"invite <group> [direct|relay|bootstrap]", "generate an invite code", 1, (*console).invite},
		"join":     {"join <code>", "join the group an invite names", 1, (*console).join},
		"accept":   {"accept <answer>", "complete a direct invite with the joiner's answer code", 1, (*console).accept},
		"members":  {"members <group>", "list a group's ledger", 1, (*console).members},
		"status":   {"status <group>", "show sync status", 1, (*console).status},
		"declare":  {"declare", "re-read the manifest and declare the local components", 0, (*console).declare},
		"remove":   {"remove <group> <peer>", "remove a member", 2, (*console).remove},
		"endorse":  {"endorse <group> <peer>", "endorse another member's pending removal", 2, (*console).endorse},
		"leave":    {"leave <group>", "leave a group", 1, (*console).leave},
		"history":  {"history", "list apply transactions", 0, (*console).history},
		"rollback": {"rollback <transaction>", "re-apply the state a transaction applied", 1, (*console).rollback},
		"quit":     {"quit", "stop the node", 0, func(*console, context.Context, []string) error { return errQuit }},
	}
}

// run reads commands from in until EOF, quit, or ctx is done.
// Command failures are reported and do not end the loop.
func (c *console) run(ctx context.Context, in io.Reader, prompt bool) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if prompt {
			fmt.Fprint(c.out, "> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			err := c.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// execute runs one command line.
func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	command, ok := consoleCommands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
	args := fields[1:]
	if len(args) < command.args {
		return fmt.Errorf("usage: %s", command.usage)
	}
	return command.run(c, ctx, args)
}

func (c *console) help(context.Context, []string) error {
	names := make([]string, 0, len(consoleCommands))
	for name := range consoleCommands {
		names = append(names, name)
	}
	slices.Sort(names)
	writer := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		command := consoleCommands[name]
		fmt.Fprintf(writer, "  %s\t%s\n", command.usage, command.summary)
	}
	return writer.Flush()
}

func (c *console) id(context.Context, []string) error {
	fmt.Fprintln(c.out, c.node.ID())
	return nil
}

func (c *console) create(_ context.Context, args []string) error {
	groupID, err := c.node.CreateGroup(args[0], []byte(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "group: %s\n", groupID)
	return nil
}

func (c *console) groups(context.Context, []string) error {
	for _, groupID := range c.node.Groups() {
		fmt.Fprintln(c.out, groupID)
	}
	return nil
}

func (c *console) invite(ctx context.Context, args []string) error {
	groupID, err := c.resolveGroup(args[0])
	if err != nil {
		return err
	}
	mode := group.ModeDirect
	if len(args) > 1 {
		mode = group.Mode(args[1])
		if !mode.Valid() {
			return fmt.Errorf("unknown invite mode %q", args[1])
		}
	}
	code, err := c.node.GenerateInvite(ctx, groupID, mode)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "invite: %s\n", code)
	return nil
}

func (c *console) join(ctx context.Context, args []string) error {
	result, err := c.node.JoinByInvite(ctx, args[0])
	if errors.Is(err, syncshell.ErrAlreadyMember) {
		fmt.Fprintf(c.out, "already a member of %s\n", result.GroupID)
		return nil
	}
	if err != nil {
		return err
	}
	if result.AnswerCode != "" {
		fmt.Fprintf(c.out, "send this answer to the inviter:\nanswer: %s\n", result.AnswerCode)
	} else {
		fmt.Fprintf(c.out, "joining %s\n", result.GroupID)
	}
	return nil
}

func (c *console) accept(_ context.Context, args []string) error {
	if err := c.node.AcceptAnswer(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "answer accepted")
	return nil
}

func (c *console) members(_ context.Context, args []string) error {
	groupID, err := c.resolveGroup(args[0])
	if err != nil {
		return err
	}
	entries, err := c.node.CurrentMembers(groupID)
	if err != nil {
		return err
	}
	connections := c.node.Connections()
	writer := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "PEER\tSTATE\tADDRESS\tLAST SEEN")
	for _, entry := range entries {
		state := "self"
		if entry.PeerID != c.node.ID() {
			state = connections.State(entry.PeerID).String()
		}
		address := "-"
		if entry.Address != "" {
			address = fmt.Sprintf("%s:%d", entry.Address, entry.Port)
		}
		lastSeen := time.UnixMilli(entry.LastSeen).UTC().Format(time.RFC3339)
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", entry.PeerID, state, address, lastSeen)
	}
	return writer.Flush()
}

func (c *console) status(_ context.Context, args []string) error {
	groupID, err := c.resolveGroup(args[0])
	if err != nil {
		return err
	}
	status, err := c.node.SyncStatus(groupID)
	if err != nil {
		return err
	}
	writer := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "group\t%s (%s)\n", status.GroupID, status.Name)
	fmt.Fprintf(writer, "members\t%d\n", status.Members)
	fmt.Fprintf(writer, "connected\t%d\n", len(status.Connected))
	fmt.Fprintf(writer, "authorized\t%d\n", len(status.Authorized))
	fmt.Fprintf(writer, "sessions\t%d active, %d completed, %d failed\n",
		status.ActiveSessions, status.CompletedSessions, status.FailedSessions)
	fmt.Fprintf(writer, "applied states\t%d\n", status.AppliedStates)
	fmt.Fprintf(writer, "cache hit rate\t%.2f\n", status.CacheHitRate)
	lastRun := "never"
	if !status.LastRunTime.IsZero() {
		lastRun = status.LastRunTime.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(writer, "last sync pass\t%s\n", lastRun)
	return writer.Flush()
}

func (c *console) declare(ctx context.Context, _ []string) error {
	state, err := c.node.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "declared %d components, state %s\n", len(state.Components), state.StateHash)
	return nil
}

func (c *console) remove(ctx context.Context, args []string) error {
	groupID, peer, err := c.groupAndPeer(args)
	if err != nil {
		return err
	}
	if err := c.node.RemoveMember(ctx, groupID, peer); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "removed %s\n", peer)
	return nil
}

func (c *console) endorse(ctx context.Context, args []string) error {
	groupID, peer, err := c.groupAndPeer(args)
	if err != nil {
		return err
	}
	signers, err := c.node.EndorseRemoval(ctx, groupID, peer)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "removal of %s has %d signers\n", peer, signers)
	return nil
}

func (c *console) leave(ctx context.Context, args []string) error {
	groupID, err := c.resolveGroup(args[0])
	if err != nil {
		return err
	}
	if err := c.node.LeaveGroup(ctx, groupID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "left %s\n", groupID)
	return nil
}

func (c *console) history(context.Context, []string) error {
	writer := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "TRANSACTION\tKIND\tPEER\tSTATE\tAT")
	for _, transaction := range c.node.Applier().History() {
		state := "-"
		if transaction.Applied != nil {
			state = transaction.Applied.StateHash
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", transaction.ID, transaction.Kind,
			transaction.Peer.Short(), state, transaction.At.UTC().Format(time.RFC3339))
	}
	return writer.Flush()
}

func (c *console) rollback(ctx context.Context, args []string) error {
	transaction, err := c.node.Applier().RollbackToTransaction(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "rolled back as %s\n", transaction.ID)
	return nil
}

// resolveGroup accepts a full group ID or a unique prefix of one.
func (c *console) resolveGroup(arg string) (string, error) {
	var matches []string
	for _, groupID := range c.node.Groups() {
		if groupID == arg {
			return groupID, nil
		}
		if strings.HasPrefix(groupID, arg) {
			matches = append(matches, groupID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", syncshell.ErrUnknownGroup, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("group prefix %q is ambiguous", arg)
	}
}

func (c *console) groupAndPeer(args []string) (string, identity.PeerID, error) {
	groupID, err := c.resolveGroup(args[0])
	if err != nil {
		return "", "", err
	}
	peer, err := identity.ParsePeerID(args[1])
	if err != nil {
		return "", "", err
	}
	return groupID, peer, nil
}
