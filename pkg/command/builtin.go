// Copyright 2024-2026 Aiku AI

package command

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Builtins returns the commands every session answers to.
func Builtins() []Command {
	return []Command{
		{
			Name:        "ping",
			Aliases:     []string{"speed"},
			Description: "Check the response time",
			Run:         runPing,
		},
		{
			Name:        "alive",
			Description: "Show that the bot is running",
			Run:         runAlive,
		},
		{
			Name:        "menu",
			Aliases:     []string{"help", "list"},
			Description: "List the available commands",
			Run:         runMenu,
		},
	}
}

func runPing(ctx context.Context, cmd *Context) error {
	if cmd.Message.Timestamp <= 0 {
		return cmd.Reply(ctx, "*Pong!*")
	}
	latency := cmd.Registry.now().Sub(time.Unix(cmd.Message.Timestamp, 0))
	return cmd.Reply(ctx, fmt.Sprintf("*Pong!* _%s_", max(latency, 0).Round(time.Millisecond)))
}

func runAlive(ctx context.Context, cmd *Context) error {
	return cmd.Reply(ctx, fmt.Sprintf("*PRIME-MD is alive*\n\nSession: %s\nUptime: %s",
		cmd.Session, formatUptime(cmd.Registry.Uptime())))
}

func runMenu(ctx context.Context, cmd *Context) error {
	var b strings.Builder
	b.WriteString("*PRIME-MD commands*\n")
	prefix := cmd.Registry.Prefix()
	for _, c := range cmd.Registry.Commands() {
		if c.OwnerOnly && !cmd.IsOwner {
			continue
		}
		fmt.Fprintf(&b, "\n%s%s", prefix, c.Name)
		if c.Description != "" {
			fmt.Fprintf(&b, " - %s", c.Description)
		}
	}
	return cmd.Reply(ctx, b.String())
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		return fmt.Sprintf("%dd %s", days, d)
	}
	return d.String()
}
